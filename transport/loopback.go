package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ruteri/derec-engine/interfaces"
)

// LoopbackNetwork delivers frames between handlers registered in the same
// process. Delivery is synchronous in the sender's goroutine.
type LoopbackNetwork struct {
	mu       sync.RWMutex
	handlers map[string]interfaces.InboundHandler
	down     map[string]bool
}

func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		handlers: make(map[string]interfaces.InboundHandler),
		down:     make(map[string]bool),
	}
}

// Register attaches a handler to an address.
func (n *LoopbackNetwork) Register(address string, handler interfaces.InboundHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[address] = handler
}

// SetDown makes sends to address fail with 503 until cleared.
func (n *LoopbackNetwork) SetDown(address string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[address] = down
}

func (n *LoopbackNetwork) Send(ctx context.Context, uri string, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.RLock()
	handler, ok := n.handlers[uri]
	down := n.down[uri]
	n.mu.RUnlock()

	switch {
	case !ok:
		return 0, fmt.Errorf("no loopback handler at %s", uri)
	case down:
		return http.StatusServiceUnavailable, nil
	}
	if err := handler(bytes.Clone(data)); err != nil {
		return StatusCodeOf(err), nil
	}
	return http.StatusOK, nil
}
