package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
	"github.com/thingset-protocol/thingset-can-go/pkg/netmgmt"
)

// Request is an inbound channel message awaiting a reply.
type Request struct {
	// Source is the address of the node that sent the request.
	Source canid.Address

	// Payload is the reassembled request body.
	Payload []byte
}

// pendingRequest is the single-outstanding response slot. Correlation is
// by source address: the response comes from the request's target.
type pendingRequest struct {
	target canid.Address
	ch     chan []byte
}

// SendRequest sends payload to target and blocks until the response
// arrives, the request timeout passes, or ctx is cancelled. Responses
// are routed by the goroutine driving ProcessForever or Receive;
// without one a request can only time out.
//
// A node that has not claimed an address fails with ErrNotAddressed and
// a node with a request already in flight fails with ErrTransportBusy,
// both before anything reaches the transport.
func (n *Node) SendRequest(ctx context.Context, target canid.Address, payload []byte) ([]byte, error) {
	if !target.Assignable() {
		// anonymous peers cannot respond and broadcast responses
		// cannot be correlated
		return nil, fmt.Errorf("request target %s: %w", target, canid.ErrInvalidField)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	local := n.addr
	if !local.Assignable() {
		n.mu.Unlock()
		return nil, ErrNotAddressed
	}
	if n.pending != nil {
		n.mu.Unlock()
		return nil, ErrTransportBusy
	}
	p := &pendingRequest{target: target, ch: make(chan []byte, 1)}
	n.pending = p
	n.mu.Unlock()

	n.logState(log.StateEntitySession, "IDLE", "AWAITING_RESPONSE", "request to "+target.String())

	id := canid.NewChannel(canid.PrioChannel, n.busID, target, local)
	if err := n.transport.Send(ctx, id, payload); err != nil {
		n.clearPending(p, "send failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request to %s: %w: %v", target, ErrTransportError, err)
	}
	n.logMessage(log.DirectionOut, log.MessageTypeRequest, local, target, nil, payload)

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		n.clearPending(p, "cancelled")
		return nil, ctx.Err()
	case <-timer.C:
		n.clearPending(p, "timeout")
		return nil, fmt.Errorf("request to %s: %w", target, ErrTimeout)
	case resp, ok := <-p.ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	}
}

// clearPending releases the outstanding-request slot if p still owns it.
func (n *Node) clearPending(p *pendingRequest, reason string) {
	n.mu.Lock()
	owned := n.pending == p
	if owned {
		n.pending = nil
	}
	n.mu.Unlock()
	if owned {
		n.logState(log.StateEntitySession, "AWAITING_RESPONSE", "IDLE", reason)
	}
}

// Respond sends a reply to the node that sent a request. Applications
// consuming requests via Receive use it to complete the exchange;
// ProcessForever replies through it automatically.
func (n *Node) Respond(ctx context.Context, target canid.Address, payload []byte) error {
	local := n.Address()
	if !local.Assignable() {
		return ErrNotAddressed
	}
	if !target.Assignable() {
		return fmt.Errorf("respond target %s: %w", target, canid.ErrInvalidField)
	}
	id := canid.NewChannel(canid.PrioChannel, n.busID, target, local)
	if err := n.transport.Send(ctx, id, payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("respond to %s: %w: %v", target, ErrTransportError, err)
	}
	n.logMessage(log.DirectionOut, log.MessageTypeResponse, local, target, nil, payload)
	return nil
}

// OnRequest registers the handler ProcessForever invokes for each
// inbound request. A nil reply suppresses the response.
func (n *Node) OnRequest(fn func(Request) []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = fn
}

// Receive blocks until an inbound request arrives, the timeout elapses
// with ErrTimeout, or ctx is cancelled. Claim, report and response
// traffic is handled transparently while waiting. A timeout at or below
// zero blocks until ctx alone.
func (n *Node) Receive(ctx context.Context, timeout time.Duration) (Request, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return Request{}, err
		}
		now := time.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return Request{}, ErrTimeout
		}
		n.checkClaim(ctx, now)

		msg, err := n.transport.Receive(ctx, n.pollBound(now, deadline))
		switch {
		case err == nil:
			if req, ok := n.dispatch(ctx, msg); ok {
				return req, nil
			}
		case errors.Is(err, isotp.ErrTimeout):
			// poll bound hit, deadline re-checked at the loop top
		case ctx.Err() != nil:
			return Request{}, ctx.Err()
		default:
			return Request{}, fmt.Errorf("receive: %w: %v", ErrTransportError, err)
		}
	}
}

// ProcessForever drives the node: inbound requests go to the OnRequest
// handler and are answered, reports fan out to subscribers, claim
// maintenance runs in the background, and due publications are emitted.
// Inbound requests are served before due publications so request
// latency stays bounded under publish load. Returns ctx.Err() on
// cancellation, a wrapped ErrTransportError when the transport dies.
func (n *Node) ProcessForever(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		n.checkClaim(ctx, now)

		var slot time.Time
		if wait, ok := n.scheduler.Wait(now); ok {
			slot = now.Add(wait)
		}

		msg, err := n.transport.Receive(ctx, n.pollBound(now, slot))
		switch {
		case err == nil:
			req, ok := n.dispatch(ctx, msg)
			if ok {
				n.serveRequest(ctx, req)
				// answer first, publish on the next pass
				continue
			}
		case errors.Is(err, isotp.ErrTimeout):
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("process loop: %w: %v", ErrTransportError, err)
		}

		now = time.Now()
		if n.scheduler.Due(now) {
			n.publish(ctx, now)
		}
	}
}

// pollBound sizes one blocking transport poll so an open claim window
// and the next obligation (publish slot or caller deadline) are
// honored. until zero means no obligation.
func (n *Node) pollBound(now time.Time, until time.Time) time.Duration {
	bound := defaultPollInterval
	if !until.IsZero() {
		if d := until.Sub(now); d < bound {
			bound = d
		}
	}
	if n.claimer.Phase() == netmgmt.PhaseProbing {
		if w := n.claimer.WindowRemaining(now); w < bound {
			bound = w
		}
	}
	if bound < time.Millisecond {
		bound = time.Millisecond
	}
	return bound
}

// dispatch classifies one inbound message. Channel messages may surface
// as a Request; everything else is handled as a side effect.
func (n *Node) dispatch(ctx context.Context, m isotp.Message) (Request, bool) {
	switch m.ID.Class() {
	case canid.ClassChannel:
		return n.routeChannel(m)
	case canid.ClassReport, canid.ClassControl:
		n.fanOutReport(m)
	case canid.ClassNetwork:
		n.handleNetwork(ctx, m)
	}
	return Request{}, false
}

// routeChannel correlates an inbound channel message against the
// pending-request slot. A message from the outstanding request's target
// is its response; anything else surfaces as a request.
func (n *Node) routeChannel(m isotp.Message) (Request, bool) {
	local := n.Address()
	if !m.ID.AddressedTo(local) {
		n.logError("channel frame not addressed to this node", "dispatch")
		return Request{}, false
	}

	n.mu.Lock()
	p := n.pending
	if p != nil && m.ID.Source == p.target {
		n.pending = nil
		n.mu.Unlock()
		select {
		case p.ch <- m.Data:
		default:
		}
		n.logState(log.StateEntitySession, "AWAITING_RESPONSE", "IDLE", "response from "+m.ID.Source.String())
		n.logMessage(log.DirectionIn, log.MessageTypeResponse, m.ID.Source, local, nil, m.Data)
		return Request{}, false
	}
	n.mu.Unlock()

	n.logMessage(log.DirectionIn, log.MessageTypeRequest, m.ID.Source, m.ID.Target, nil, m.Data)
	return Request{Source: m.ID.Source, Payload: m.Data}, true
}

// serveRequest hands an inbound request to the handler and sends the
// reply back to the source.
func (n *Node) serveRequest(ctx context.Context, req Request) {
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()

	if handler == nil {
		n.logError("no request handler registered", "dispatch")
		return
	}
	reply := handler(req)
	if reply == nil {
		return
	}
	if err := n.Respond(ctx, req.Source, reply); err != nil {
		n.logError("reply: "+err.Error(), "dispatch")
	}
}
