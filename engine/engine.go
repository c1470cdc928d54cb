// Package engine is the execution context of a node. It owns the key
// registry, the command executor and the Sharer and Helper roles, seals and
// sends outbound messages from a bounded pool, authenticates inbound frames
// and drives the periodic tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/derec-engine/common"
	"github.com/ruteri/derec-engine/executor"
	"github.com/ruteri/derec-engine/helper"
	"github.com/ruteri/derec-engine/identity"
	"github.com/ruteri/derec-engine/interfaces"
	"github.com/ruteri/derec-engine/metrics"
	"github.com/ruteri/derec-engine/notification"
	"github.com/ruteri/derec-engine/sharer"
	"go.uber.org/atomic"
)

// ErrRoleDisabled is returned by operations of a role the node does not run.
var ErrRoleDisabled = errors.New("role is not enabled on this node")

type Params struct {
	Log       *slog.Logger
	Config    Config
	Crypto    interfaces.CryptoProvider
	Transport interfaces.Transport
	// Metrics may be nil.
	Metrics *metrics.Collectors
	Notify  notification.Listener

	// At least one of the identities must be set; each enables its role.
	SharerIdentity *identity.LibIdentity
	HelperIdentity *identity.LibIdentity

	Now func() time.Time
}

type Engine struct {
	log       *slog.Logger
	cfg       Config
	cp        interfaces.CryptoProvider
	transport interfaces.Transport
	metrics   *metrics.Collectors
	now       func() time.Time

	registry *identity.Registry
	replay   *replayGuard
	exec     *executor.Executor
	sharer   *sharer.Sharer
	helper   *helper.Helper

	sendSlots chan struct{}
	sends     sync.WaitGroup
	ticker    sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once

	running     atomic.Bool
	tickPending atomic.Bool

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

func New(p Params) (*Engine, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if p.Crypto == nil || p.Transport == nil {
		return nil, errors.New("engine requires crypto and transport")
	}
	if p.SharerIdentity == nil && p.HelperIdentity == nil {
		return nil, errors.New("engine requires a sharer or helper identity")
	}
	if p.Log == nil {
		p.Log = common.DiscardLogger()
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	e := &Engine{
		log:       p.Log,
		cfg:       p.Config,
		cp:        p.Crypto,
		transport: p.Transport,
		metrics:   p.Metrics,
		now:       p.Now,
		registry:  identity.NewRegistry(),
		replay:    newReplayGuard(p.Config.ClockSkew, replayCacheSize),
		sendSlots: make(chan struct{}, p.Config.SendConcurrency),
		stop:      make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}
	e.exec = executor.New(p.Log, commandObserver{metrics: p.Metrics})

	if p.SharerIdentity != nil {
		e.registry.AddLocal(p.SharerIdentity)
		s, err := sharer.New(sharer.Params{
			Log:      p.Log.With("role", "sharer"),
			Config:   p.Config.Sharer,
			Crypto:   p.Crypto,
			Registry: e.registry,
			Self:     p.SharerIdentity,
			Outbox:   &roleOutbox{engine: e, self: p.SharerIdentity},
			Notify:   p.Notify,
			Now:      p.Now,
		})
		if err != nil {
			return nil, err
		}
		e.sharer = s
	}
	if p.HelperIdentity != nil {
		e.registry.AddLocal(p.HelperIdentity)
		h, err := helper.New(helper.Params{
			Log:       p.Log.With("role", "helper"),
			Config:    p.Config.Helper,
			Crypto:    p.Crypto,
			Registry:  e.registry,
			Self:      p.HelperIdentity,
			Scheduler: &roleOutbox{engine: e, self: p.HelperIdentity},
			Notify:    p.Notify,
			Now:       p.Now,
		})
		if err != nil {
			return nil, err
		}
		e.helper = h
	}
	return e, nil
}

// Start runs the executor and the periodic driver.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.exec.Start()
	e.ticker.Add(1)
	go e.runTicker()
	e.log.Info("engine started", "tickInterval", e.cfg.TickInterval,
		"sharer", e.sharer != nil, "helper", e.helper != nil)
}

// Stop halts the ticker and pending timers, drains the executor and waits
// for in-flight sends.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stop)
		e.ticker.Wait()

		e.timersMu.Lock()
		for t := range e.timers {
			t.Stop()
		}
		clear(e.timers)
		e.timersMu.Unlock()

		if err = e.exec.Stop(ctx); err != nil {
			// The worker may still be running a command that starts sends.
			e.log.Warn("engine stopped before the executor drained", "err", err)
			return
		}
		// Sends only start from commands, so none begin once the worker exited.
		sent := make(chan struct{})
		go func() {
			e.sends.Wait()
			close(sent)
		}()
		select {
		case <-sent:
			e.log.Info("engine stopped")
		case <-ctx.Done():
			err = ctx.Err()
			e.log.Warn("engine stopped with sends in flight", "err", err)
		}
	})
	return err
}

func (e *Engine) runTicker() {
	defer e.ticker.Done()
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-t.C:
			e.tick()
		}
	}
}

// tick queues one periodic-work command unless the previous one is still queued.
func (e *Engine) tick() {
	if !e.tickPending.CompareAndSwap(false, true) {
		return
	}
	executor.Do(e.exec, executor.KindPeriodicWork, func() error {
		e.tickPending.Store(false)
		return e.periodicWork()
	})
}

func (e *Engine) periodicWork() error {
	var err error
	if e.sharer != nil {
		err = e.sharer.PeriodicWork()
		e.metrics.SetProtectedVersions(e.sharer.ProtectedVersions())
	}
	e.metrics.SetQueueDepth(e.exec.Len())
	if err != nil {
		e.log.Warn("periodic work reported errors", "err", err)
	}
	return err
}

// RunPeriodicWork runs one tick immediately and waits for it.
func (e *Engine) RunPeriodicWork(ctx context.Context) error {
	_, err := executor.Do(e.exec, executor.KindPeriodicWork, e.periodicWork).Wait(ctx)
	return err
}

// Registry returns the engine's identity registry.
func (e *Engine) Registry() *identity.Registry { return e.registry }

// SharerIdentity returns the local Sharer identity, or nil.
func (e *Engine) SharerIdentity() *identity.LibIdentity {
	if e.sharer == nil {
		return nil
	}
	return e.sharer.Identity()
}

// HelperIdentity returns the local Helper identity, or nil.
func (e *Engine) HelperIdentity() *identity.LibIdentity {
	if e.helper == nil {
		return nil
	}
	return e.helper.Identity()
}

type commandObserver struct {
	metrics *metrics.Collectors
}

func (o commandObserver) CommandExecuted(kind executor.Kind, err error, took time.Duration) {
	o.metrics.CommandExecuted(kind.String(), err != nil, took)
}
