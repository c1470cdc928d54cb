package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves SRV answers for the given names on a local UDP port.
func startDNS(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		rrs, ok := records[r.Question[0].Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		m.Answer = append(m.Answer, rrs...)
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func srvRecord(name, target string, priority, weight, port uint16) dns.RR {
	return &dns.SRV{
		Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
		Priority: priority,
		Weight:   weight,
		Port:     port,
		Target:   target,
	}
}

func TestSRVResolverPicksPreferredTarget(t *testing.T) {
	name := "_derec._tcp.example.com."
	addr := startDNS(t, map[string][]dns.RR{
		name: {
			srvRecord(name, "backup.example.com.", 20, 100, 9000),
			srvRecord(name, "light.example.com.", 10, 5, 8001),
			srvRecord(name, "heavy.example.com.", 10, 50, 8002),
		},
	})

	r := NewSRVResolver(addr, time.Second)
	hostport, err := r.Resolve(context.Background(), "_derec._tcp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "heavy.example.com:8002", hostport)
}

func TestSRVResolverURI(t *testing.T) {
	name := "_derec._tcp.helpers.test."
	addr := startDNS(t, map[string][]dns.RR{
		name: {srvRecord(name, "10.0.0.7.", 0, 0, 8080)},
	})
	r := NewSRVResolver(addr, time.Second)

	resolved, err := r.ResolveURI(context.Background(), "srv+http://_derec._tcp.helpers.test/derec")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.7:8080/derec", resolved)

	plain, err := r.ResolveURI(context.Background(), "http://127.0.0.1:1/derec")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1/derec", plain)
}

func TestSRVResolverMissingRecord(t *testing.T) {
	addr := startDNS(t, map[string][]dns.RR{})
	r := NewSRVResolver(addr, time.Second)

	_, err := r.Resolve(context.Background(), "_derec._tcp.nowhere.test")
	assert.Error(t, err)
}
