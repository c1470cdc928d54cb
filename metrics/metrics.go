// Package metrics exposes the engine's Prometheus collectors and the HTTP
// server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the engine's instruments. All methods are safe for
// concurrent use and tolerate a nil receiver.
type Collectors struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	inbound         *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	outbound        *prometheus.CounterVec
	protected       prometheus.Gauge
	queueDepth      prometheus.Gauge
}

// NewCollectors creates the instruments under namespace and registers them with reg.
func NewCollectors(namespace string, reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Executed engine commands by kind and outcome.",
		}, []string{"kind", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing engine commands.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"kind"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Authenticated inbound messages by body kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before dispatch, by reason.",
		}, []string{"reason"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by body kind and transport status.",
		}, []string{"kind", "status"}),
		protected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protected_versions",
			Help:      "Retained secret versions currently protected.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Commands waiting for the executor.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.commands, c.commandDuration, c.inbound, c.dropped, c.outbound, c.protected, c.queueDepth,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) CommandExecuted(kind string, failed bool, took time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	c.commands.WithLabelValues(kind, outcome).Inc()
	c.commandDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (c *Collectors) MessageReceived(kind string) {
	if c == nil {
		return
	}
	c.inbound.WithLabelValues(kind).Inc()
}

func (c *Collectors) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collectors) MessageSent(kind, status string) {
	if c == nil {
		return
	}
	c.outbound.WithLabelValues(kind, status).Inc()
}

func (c *Collectors) SetProtectedVersions(n int) {
	if c == nil {
		return
	}
	c.protected.Set(float64(n))
}

func (c *Collectors) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// MetricsServer serves a registry on /metrics.
type MetricsServer struct {
	Registry   *prometheus.Registry
	Collectors *Collectors
	srv        *http.Server
}

// New builds a registry with process and Go runtime collectors plus the
// engine instruments, served on listenAddr.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c, err := NewCollectors(namespace, reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &MetricsServer{
		Registry:   reg,
		Collectors: c,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler returns the /metrics handler.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
