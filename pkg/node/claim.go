package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	"github.com/thingset-protocol/thingset-can-go/pkg/netmgmt"
)

// Claim acquires the preferred address on the bus: it probes for an
// existing owner, waits out the probe window and announces the claim.
// When the address turns out to be taken the claimer walks to the next
// free candidate before committing. Claim drives the transport itself,
// so it is normally run before starting the process loop; with a loop
// already running, the loop's claim maintenance may commit the window
// and Claim adopts its result. Calling Claim again moves the node to a
// different address.
//
// When every assignable address is owned by another node, Claim fails
// with netmgmt.ErrAddressSpaceExhausted and the node stays anonymous.
func (n *Node) Claim(ctx context.Context, preferred canid.Address) (canid.Address, error) {
	probe, err := n.claimer.StartClaim(preferred, time.Now())
	if err != nil {
		return 0, err
	}
	return n.runClaim(ctx, probe)
}

// ClaimAny acquires a random free address.
func (n *Node) ClaimAny(ctx context.Context) (canid.Address, error) {
	probe, err := n.claimer.StartClaimAny(time.Now())
	if err != nil {
		return 0, err
	}
	return n.runClaim(ctx, probe)
}

// runClaim pumps the transport until the probe window matures without a
// conflict, handling claim traffic along the way. Inbound requests are
// discarded: an anonymous node cannot answer them.
func (n *Node) runClaim(ctx context.Context, probe netmgmt.Claim) (canid.Address, error) {
	if err := n.sendProbe(ctx, probe); err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		now := time.Now()
		// A process loop running alongside commits matured claims
		// itself; adopt its result instead of waiting out ctx.
		if n.claimer.Phase() == netmgmt.PhaseClaimed {
			if addr, ok := n.claimer.Address(); ok {
				return addr, nil
			}
		}
		if addr, done, err := n.finishClaim(ctx, now); done || err != nil {
			return addr, err
		}

		remaining := n.claimer.WindowRemaining(now)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		msg, err := n.transport.Receive(ctx, remaining)
		switch {
		case err == nil:
			n.dispatch(ctx, msg)
			if n.claimer.Phase() == netmgmt.PhaseFailed {
				return 0, netmgmt.ErrAddressSpaceExhausted
			}
		case errors.Is(err, isotp.ErrTimeout):
			// window ran out, commit on the next pass
		case ctx.Err() != nil:
			return 0, ctx.Err()
		default:
			return 0, fmt.Errorf("claim: %w: %v", ErrTransportError, err)
		}
	}
}

// finishClaim commits a matured probe window, adopts the address and
// announces the claim. done reports whether an address was adopted.
func (n *Node) finishClaim(ctx context.Context, now time.Time) (addr canid.Address, done bool, err error) {
	if n.claimer.Phase() != netmgmt.PhaseProbing || n.claimer.WindowRemaining(now) > 0 {
		return 0, false, nil
	}
	addr, err = n.claimer.Commit(now)
	if err != nil {
		if errors.Is(err, netmgmt.ErrProbeWindowOpen) || errors.Is(err, netmgmt.ErrNotProbing) {
			// a conflict re-armed the window, or another goroutine
			// committed between checks
			return 0, false, nil
		}
		return 0, false, err
	}
	n.setAddress(addr)
	if err := n.announce(ctx); err != nil {
		return addr, true, err
	}
	return addr, true, nil
}

// checkClaim picks up re-claims forced by address conflicts in steady
// state: once the re-armed probe window matures, the new address is
// committed and announced.
func (n *Node) checkClaim(ctx context.Context, now time.Time) {
	if _, _, err := n.finishClaim(ctx, now); err != nil {
		n.logError("claim: "+err.Error(), "claim")
	}
}

// announce broadcasts the claim frame carrying the node's EUI payload.
func (n *Node) announce(ctx context.Context) error {
	id, err := n.claimer.ClaimFrame()
	if err != nil {
		return err
	}
	eui := n.claimer.EUI()
	if err := n.transport.Send(ctx, id, eui[:]); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("claim announcement: %w: %v", ErrTransportError, err)
	}
	return nil
}

func (n *Node) sendProbe(ctx context.Context, probe netmgmt.Claim) error {
	if err := n.transport.Send(ctx, probe.Discovery, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("discovery probe: %w: %v", ErrTransportError, err)
	}
	return nil
}

// reprobe sends a fresh discovery frame after a conflict moved the
// candidate.
func (n *Node) reprobe(ctx context.Context) {
	if n.claimer.Phase() != netmgmt.PhaseProbing {
		return
	}
	probe, err := n.claimer.Probe()
	if err != nil {
		n.logError("re-probe: "+err.Error(), "netmgmt")
		return
	}
	if err := n.sendProbe(ctx, probe); err != nil {
		n.logError("re-probe: "+err.Error(), "netmgmt")
	}
}

// handleNetwork processes claim and discovery traffic. A claim for the
// node's probe candidate moves the claim to the next free address. A
// claim for the node's own address runs the EUI tie-break: the winner
// re-announces, the loser drops back to anonymous and re-probes. A
// discovery probe for the node's address (or for broadcast) is answered
// with the node's claim frame.
func (n *Node) handleNetwork(ctx context.Context, m isotp.Message) {
	now := time.Now()
	id := m.ID

	if id.Source == canid.AddrAnonymous {
		local := n.Address()
		if local.Assignable() && id.AddressedTo(local) {
			if err := n.announce(ctx); err != nil {
				n.logError("discovery answer: "+err.Error(), "netmgmt")
			}
		}
		return
	}
	if !id.Source.Assignable() {
		return
	}
	observed := id.Source

	switch n.claimer.Phase() {
	case netmgmt.PhaseProbing:
		candidate, ok := n.claimer.Candidate()
		if !ok || observed != candidate {
			return
		}
		n.claimer.OnClaimConflict(observed, now)
		n.reprobe(ctx)

	case netmgmt.PhaseClaimed:
		if observed != n.Address() {
			return
		}
		var remote [8]byte
		copy(remote[:], m.Data)
		if remote == n.claimer.EUI() {
			// our own claim echoed back by the bus
			return
		}
		if n.claimer.WinsTieBreak(remote) {
			if err := n.announce(ctx); err != nil {
				n.logError("claim defense: "+err.Error(), "netmgmt")
			}
			return
		}
		n.claimer.OnClaimConflict(observed, now)
		n.setAddress(canid.AddrAnonymous)
		n.reprobe(ctx)
	}
}
