package interfaces

import "context"

// Transport delivers opaque wire bytes to a peer address. The returned status
// code follows HTTP semantics; anything but 200 is a transient failure.
type Transport interface {
	Send(ctx context.Context, uri string, data []byte) (int, error)
}

// InboundHandler receives raw request bytes from a transport listener.
type InboundHandler func(data []byte) error
