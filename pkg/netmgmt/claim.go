package netmgmt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
)

// DefaultProbeWindow is how long a candidate address must stay
// unchallenged before it can be committed.
const DefaultProbeWindow = 500 * time.Millisecond

// addressSpan is the number of assignable addresses, 0x00 through 0xFD.
const addressSpan = int(canid.AddrMax) + 1

// Claimer errors.
var (
	ErrAddressSpaceExhausted = errors.New("address space exhausted")
	ErrNotProbing            = errors.New("no claim in progress")
	ErrNotClaimed            = errors.New("no address claimed")
	ErrProbeWindowOpen       = errors.New("probe window still open")
)

// Phase is the claimer state.
type Phase uint8

const (
	// PhaseIdle indicates no claim has been started.
	PhaseIdle Phase = iota

	// PhaseProbing indicates a candidate is being probed.
	PhaseProbing

	// PhaseClaimed indicates an address has been committed.
	PhaseClaimed

	// PhaseFailed indicates every assignable address was challenged.
	PhaseFailed
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseProbing:
		return "PROBING"
	case PhaseClaimed:
		return "CLAIMED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Claim is one probe attempt for a candidate address. The discovery
// identifier goes on the wire with an empty payload; the nonce lets the
// sender match answers to its own probe.
type Claim struct {
	Candidate canid.Address
	Nonce     uint8
	Discovery canid.Identifier
}

// Config holds claimer configuration.
type Config struct {
	// BusID is placed in the variable byte of claim announcements.
	// Zero means canid.DefaultBusID.
	BusID uint8

	// ProbeWindow is how long a candidate must stay unchallenged
	// before Commit succeeds. Zero means DefaultProbeWindow.
	ProbeWindow time.Duration

	// EUI identifies the node in claim payloads. The zero value means
	// generate a random one.
	EUI [8]byte

	// Rand is the source for nonces and generated EUIs. Nil means
	// crypto/rand.
	Rand io.Reader
}

// Claimer manages the local node's address claim. The clock is passed
// in by the caller so the probe window can be tested deterministically.
type Claimer struct {
	mu sync.RWMutex

	busID  uint8
	window time.Duration
	eui    [8]byte
	rand   io.Reader

	phase      Phase
	candidate  canid.Address
	address    canid.Address
	hasAddress bool
	windowEnds time.Time

	// Addresses challenged during the current campaign.
	tried      [addressSpan]bool
	triedCount int

	onPhaseChange func(old, new Phase)
}

// NewClaimer creates a claimer, generating a random EUI if none is
// configured.
func NewClaimer(cfg Config) (*Claimer, error) {
	c := &Claimer{
		busID:  cfg.BusID,
		window: cfg.ProbeWindow,
		eui:    cfg.EUI,
		rand:   cfg.Rand,
	}
	if c.busID == 0 {
		c.busID = canid.DefaultBusID
	}
	if c.window == 0 {
		c.window = DefaultProbeWindow
	}
	if c.rand == nil {
		c.rand = rand.Reader
	}
	if c.eui == ([8]byte{}) {
		if _, err := io.ReadFull(c.rand, c.eui[:]); err != nil {
			return nil, fmt.Errorf("failed to generate claim EUI: %w", err)
		}
	}
	return c, nil
}

// Phase returns the current claimer phase.
func (c *Claimer) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// EUI returns the node's claim payload.
func (c *Claimer) EUI() [8]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eui
}

// Address returns the committed address, if any.
func (c *Claimer) Address() (canid.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address, c.hasAddress
}

// Candidate returns the address under probe, if any.
func (c *Claimer) Candidate() (canid.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.phase != PhaseProbing {
		return 0, false
	}
	return c.candidate, true
}

// StartClaim begins probing the preferred address. Anonymous and
// broadcast preferences are rejected. Starting over discards any
// committed address and the record of challenged candidates. A failed
// claimer stays failed until Reset.
func (c *Claimer) StartClaim(preferred canid.Address, now time.Time) (Claim, error) {
	if !preferred.Assignable() {
		return Claim{}, fmt.Errorf("claim candidate %s: %w", preferred, canid.ErrInvalidField)
	}

	c.mu.Lock()
	if c.phase == PhaseFailed {
		c.mu.Unlock()
		return Claim{}, ErrAddressSpaceExhausted
	}

	oldPhase := c.phase
	c.tried = [addressSpan]bool{}
	c.triedCount = 0
	c.candidate = preferred
	c.address = 0
	c.hasAddress = false
	c.phase = PhaseProbing
	c.windowEnds = now.Add(c.window)

	claim, err := c.probeLocked()
	if err != nil {
		c.phase = oldPhase
		c.mu.Unlock()
		return Claim{}, err
	}

	fn := c.onPhaseChange
	c.mu.Unlock()

	if fn != nil && oldPhase != PhaseProbing {
		fn(oldPhase, PhaseProbing)
	}
	return claim, nil
}

// StartClaimAny begins probing a randomly chosen assignable address.
func (c *Claimer) StartClaimAny(now time.Time) (Claim, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.rand, b[:]); err != nil {
		return Claim{}, fmt.Errorf("failed to pick claim candidate: %w", err)
	}
	return c.StartClaim(canid.Address(b[0])%(canid.AddrMax+1), now)
}

// Probe builds a fresh discovery frame for the current candidate, with
// a new nonce. Callers re-probe after OnClaimConflict moved the claimer
// to a new candidate.
func (c *Claimer) Probe() (Claim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseProbing:
		return c.probeLocked()
	case PhaseFailed:
		return Claim{}, ErrAddressSpaceExhausted
	default:
		return Claim{}, ErrNotProbing
	}
}

// probeLocked reads a nonce and builds the discovery frame. The probe
// is sent from the anonymous address: the sender has nothing to claim
// with yet.
func (c *Claimer) probeLocked() (Claim, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.rand, b[:]); err != nil {
		return Claim{}, fmt.Errorf("failed to read discovery nonce: %w", err)
	}
	return Claim{
		Candidate: c.candidate,
		Nonce:     b[0],
		Discovery: canid.NewDiscovery(b[0], c.candidate, canid.AddrAnonymous),
	}, nil
}

// OnClaimConflict records that another node owns the observed address.
// A conflict for the candidate under probe moves the claimer to the
// next unchallenged candidate and restarts the probe window. A conflict
// for a committed address drops it and resumes probing. Conflicts for
// unrelated addresses are ignored.
func (c *Claimer) OnClaimConflict(observed canid.Address, now time.Time) {
	c.mu.Lock()

	switch c.phase {
	case PhaseProbing:
		if observed != c.candidate {
			c.mu.Unlock()
			return
		}
	case PhaseClaimed:
		if observed != c.address {
			c.mu.Unlock()
			return
		}
	default:
		c.mu.Unlock()
		return
	}

	oldPhase := c.phase
	c.markTriedLocked(observed)
	c.address = 0
	c.hasAddress = false

	next, ok := c.nextFreeLocked(observed)
	if !ok {
		c.phase = PhaseFailed
		fn := c.onPhaseChange
		c.mu.Unlock()
		if fn != nil {
			fn(oldPhase, PhaseFailed)
		}
		return
	}

	c.candidate = next
	c.phase = PhaseProbing
	c.windowEnds = now.Add(c.window)

	fn := c.onPhaseChange
	c.mu.Unlock()
	if fn != nil && oldPhase != PhaseProbing {
		fn(oldPhase, PhaseProbing)
	}
}

// markTriedLocked records an address as challenged.
func (c *Claimer) markTriedLocked(a canid.Address) {
	if !c.tried[a] {
		c.tried[a] = true
		c.triedCount++
	}
}

// nextFreeLocked walks the assignable space upward from the given
// address, wrapping at the top, and returns the first unchallenged
// candidate.
func (c *Claimer) nextFreeLocked(from canid.Address) (canid.Address, bool) {
	if c.triedCount >= addressSpan {
		return 0, false
	}
	for i := 1; i <= addressSpan; i++ {
		cand := canid.Address((int(from) + i) % addressSpan)
		if !c.tried[cand] {
			return cand, true
		}
	}
	return 0, false
}

// WindowRemaining returns how long the current probe window still has
// to run. Zero when the window has elapsed or no probe is in progress.
func (c *Claimer) WindowRemaining(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.phase != PhaseProbing || !now.Before(c.windowEnds) {
		return 0
	}
	return c.windowEnds.Sub(now)
}

// Commit finalizes the claim once the probe window has elapsed without
// a conflict. All outbound frames use the returned address as source
// from here on.
func (c *Claimer) Commit(now time.Time) (canid.Address, error) {
	c.mu.Lock()

	switch c.phase {
	case PhaseProbing:
	case PhaseFailed:
		c.mu.Unlock()
		return 0, ErrAddressSpaceExhausted
	default:
		c.mu.Unlock()
		return 0, ErrNotProbing
	}

	if now.Before(c.windowEnds) {
		c.mu.Unlock()
		return 0, ErrProbeWindowOpen
	}

	c.phase = PhaseClaimed
	c.address = c.candidate
	c.hasAddress = true
	addr := c.address

	fn := c.onPhaseChange
	c.mu.Unlock()

	if fn != nil {
		fn(PhaseProbing, PhaseClaimed)
	}
	return addr, nil
}

// ClaimFrame builds the broadcast claim announcement for the committed
// address. The frame payload is the node's EUI. Nodes send it after
// Commit and again whenever a discovery probes their address.
func (c *Claimer) ClaimFrame() (canid.Identifier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.phase != PhaseClaimed {
		return canid.Identifier{}, ErrNotClaimed
	}
	return canid.NewClaim(c.busID, c.address), nil
}

// WinsTieBreak reports whether the local node keeps its address against
// a remote claim carrying the given EUI payload. The lower EUI wins.
// Equal EUIs cannot be told apart; the local node keeps the address.
func (c *Claimer) WinsTieBreak(remote [8]byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bytes.Compare(c.eui[:], remote[:]) <= 0
}

// Reset returns the claimer to idle, clearing any committed address and
// the record of challenged candidates. This is the only way out of
// PhaseFailed.
func (c *Claimer) Reset() {
	c.mu.Lock()

	oldPhase := c.phase
	c.phase = PhaseIdle
	c.candidate = 0
	c.address = 0
	c.hasAddress = false
	c.tried = [addressSpan]bool{}
	c.triedCount = 0
	c.windowEnds = time.Time{}

	fn := c.onPhaseChange
	c.mu.Unlock()

	if fn != nil && oldPhase != PhaseIdle {
		fn(oldPhase, PhaseIdle)
	}
}

// OnPhaseChange sets a callback for phase changes. The callback runs
// outside the claimer's lock.
func (c *Claimer) OnPhaseChange(fn func(old, new Phase)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPhaseChange = fn
}
