package bus

import (
	"sync"
)

// endpointBuffer bounds how many undelivered frames an endpoint may
// accumulate before the bus starts dropping frames for it.
const endpointBuffer = 256

// MemBus is an in-process CAN bus. Every frame sent by one endpoint is
// delivered to all other endpoints, mimicking bus broadcast without the
// sender's local echo. Slow endpoints lose frames once their buffer is
// full, like a real controller with a full RX FIFO.
type MemBus struct {
	mu        sync.Mutex
	endpoints map[*MemEndpoint]struct{}
	closed    bool
}

// NewMemBus creates an empty in-process bus.
func NewMemBus() *MemBus {
	return &MemBus{endpoints: make(map[*MemEndpoint]struct{})}
}

// Endpoint attaches a new endpoint to the bus. Returns nil if the bus
// is already closed.
func (b *MemBus) Endpoint() *MemEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ep := &MemEndpoint{
		bus: b,
		rx:  make(chan Frame, endpointBuffer),
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Close detaches and closes every endpoint.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		close(ep.rx)
		delete(b.endpoints, ep)
	}
	return nil
}

// broadcast delivers f to every endpoint except the sender.
func (b *MemBus) broadcast(from *MemEndpoint, f Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.endpoints[from]; !ok {
		return ErrClosed
	}
	for ep := range b.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.rx <- f:
		default:
			// RX overflow, frame lost for this endpoint
		}
	}
	return nil
}

// detach removes ep from the bus and closes its receive queue.
func (b *MemBus) detach(ep *MemEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[ep]; !ok {
		return
	}
	delete(b.endpoints, ep)
	close(ep.rx)
}

// MemEndpoint is one attachment to a MemBus.
type MemEndpoint struct {
	bus *MemBus
	rx  chan Frame
}

// Send broadcasts a frame to all other endpoints on the bus.
func (ep *MemEndpoint) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	return ep.bus.broadcast(ep, f)
}

// Receive blocks until a frame arrives or the endpoint is closed.
func (ep *MemEndpoint) Receive() (Frame, error) {
	f, ok := <-ep.rx
	if !ok {
		return Frame{}, ErrClosed
	}
	return f, nil
}

// Close detaches the endpoint from the bus.
func (ep *MemEndpoint) Close() error {
	ep.bus.detach(ep)
	return nil
}

// Compile-time interface satisfaction check.
var _ Bus = (*MemEndpoint)(nil)
