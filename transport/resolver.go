package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// SRVScheme prefixes addresses whose host part is an SRV record name, e.g.
// srv+http://_derec._tcp.example.com/derec.
const SRVScheme = "srv+"

// DefaultNameserver is the local stub resolver.
const DefaultNameserver = "127.0.0.53:53"

// SRVResolver resolves SRV records against a single nameserver.
type SRVResolver struct {
	nameserver string
	client     *dns.Client
}

func NewSRVResolver(nameserver string, timeout time.Duration) *SRVResolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	return &SRVResolver{
		nameserver: nameserver,
		client:     &dns.Client{Timeout: timeout},
	}
}

// Resolve returns the host:port of the preferred target of an SRV record:
// lowest priority first, then highest weight.
func (r *SRVResolver) Resolve(ctx context.Context, name string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return "", fmt.Errorf("srv lookup %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("srv lookup %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", errors.New("srv lookup " + name + ": no records")
	}
	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})
	best := records[0]
	return net.JoinHostPort(strings.TrimSuffix(best.Target, "."), strconv.Itoa(int(best.Port))), nil
}

// ResolveURI rewrites an srv+scheme:// address into a plain URL. Other
// addresses are returned unchanged.
func (r *SRVResolver) ResolveURI(ctx context.Context, uri string) (string, error) {
	if !strings.HasPrefix(uri, SRVScheme) {
		return uri, nil
	}
	u, err := url.Parse(strings.TrimPrefix(uri, SRVScheme))
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", uri, err)
	}
	hostport, err := r.Resolve(ctx, u.Hostname())
	if err != nil {
		return "", err
	}
	u.Host = hostport
	return u.String(), nil
}
