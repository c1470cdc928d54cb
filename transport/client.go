package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPTransport posts frames to peer addresses.
type HTTPTransport struct {
	log      *slog.Logger
	client   *http.Client
	resolver *SRVResolver
}

// NewHTTPTransport returns a transport whose requests are bounded by timeout.
// resolver may be nil when no peer uses SRV addresses.
func NewHTTPTransport(log *slog.Logger, timeout time.Duration, resolver *SRVResolver) *HTTPTransport {
	return &HTTPTransport{
		log:      log,
		client:   &http.Client{Timeout: timeout},
		resolver: resolver,
	}
}

// Send posts data to uri and returns the response status code.
func (t *HTTPTransport) Send(ctx context.Context, uri string, data []byte) (int, error) {
	target := uri
	if t.resolver != nil {
		resolved, err := t.resolver.ResolveURI(ctx, uri)
		if err != nil {
			return 0, err
		}
		target = resolved
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Request-Id", requestID)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send to %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.log.Debug("peer rejected frame", "uri", target, "status", resp.StatusCode, "requestID", requestID)
	}
	return resp.StatusCode, nil
}
