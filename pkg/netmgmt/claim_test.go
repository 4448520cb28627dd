package netmgmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/netmgmt"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seqReader hands out a fixed byte sequence, cycling when exhausted.
type seqReader struct {
	seq []byte
	i   int
}

func (r *seqReader) Read(p []byte) (int, error) {
	for n := range p {
		p[n] = r.seq[r.i%len(r.seq)]
		r.i++
	}
	return len(p), nil
}

func newClaimer(t *testing.T, cfg netmgmt.Config) *netmgmt.Claimer {
	t.Helper()
	if cfg.EUI == ([8]byte{}) {
		cfg.EUI = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	}
	c, err := netmgmt.NewClaimer(cfg)
	require.NoError(t, err)
	return c
}

// TestStartClaimBuildsDiscoveryFrame verifies the probe frame layout:
// network management priority and type, the nonce in the variable byte,
// the candidate as target and the anonymous source.
func TestStartClaimBuildsDiscoveryFrame(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{Rand: &seqReader{seq: []byte{0x42}}})

	claim, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)

	assert.Equal(t, canid.Address(0x10), claim.Candidate)
	assert.Equal(t, uint8(0x42), claim.Nonce)
	assert.Equal(t, canid.PrioNetworkMgmt, claim.Discovery.Priority)
	assert.Equal(t, canid.TypeNetwork, claim.Discovery.Type)
	assert.Equal(t, uint8(0x42), claim.Discovery.Random())
	assert.Equal(t, canid.Address(0x10), claim.Discovery.Target)
	assert.Equal(t, canid.AddrAnonymous, claim.Discovery.Source)
	assert.Equal(t, netmgmt.PhaseProbing, c.Phase())

	raw, err := canid.Encode(claim.Discovery)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x134210FE), raw)
}

// TestStartClaimRejectsSentinelAddresses verifies that the anonymous
// and broadcast addresses cannot be claimed.
func TestStartClaimRejectsSentinelAddresses(t *testing.T) {
	for _, addr := range []canid.Address{canid.AddrAnonymous, canid.AddrBroadcast} {
		t.Run(addr.String(), func(t *testing.T) {
			c := newClaimer(t, netmgmt.Config{})

			_, err := c.StartClaim(addr, t0)
			assert.ErrorIs(t, err, canid.ErrInvalidField)
			assert.Equal(t, netmgmt.PhaseIdle, c.Phase())
		})
	}
}

// TestCommitRequiresElapsedWindow verifies that Commit fails while the
// probe window is open and succeeds once it has elapsed.
func TestCommitRequiresElapsedWindow(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: 500 * time.Millisecond})

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)

	_, err = c.Commit(t0.Add(499 * time.Millisecond))
	assert.ErrorIs(t, err, netmgmt.ErrProbeWindowOpen)
	assert.Equal(t, netmgmt.PhaseProbing, c.Phase())

	addr, err := c.Commit(t0.Add(500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, canid.Address(0x10), addr)
	assert.Equal(t, netmgmt.PhaseClaimed, c.Phase())

	got, ok := c.Address()
	require.True(t, ok)
	assert.Equal(t, canid.Address(0x10), got)
}

// TestCommitWithoutClaim verifies that Commit on an idle claimer fails.
func TestCommitWithoutClaim(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{})

	_, err := c.Commit(t0)
	assert.ErrorIs(t, err, netmgmt.ErrNotProbing)
}

// TestConflictMovesToNextCandidate verifies that a conflict for the
// candidate under probe advances to the next address and restarts the
// probe window.
func TestConflictMovesToNextCandidate(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: 500 * time.Millisecond})

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)

	c.OnClaimConflict(0x10, t0.Add(100*time.Millisecond))

	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, canid.Address(0x11), cand)

	// The original window end no longer commits.
	_, err = c.Commit(t0.Add(500 * time.Millisecond))
	assert.ErrorIs(t, err, netmgmt.ErrProbeWindowOpen)

	addr, err := c.Commit(t0.Add(600 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, canid.Address(0x11), addr)
}

// TestConflictForOtherAddressIgnored verifies that claims for unrelated
// addresses do not disturb the probe.
func TestConflictForOtherAddressIgnored(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: 500 * time.Millisecond})

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)

	c.OnClaimConflict(0x22, t0.Add(100*time.Millisecond))

	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, canid.Address(0x10), cand)

	addr, err := c.Commit(t0.Add(500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, canid.Address(0x10), addr)
}

// TestConflictWrapsAtTopOfRange verifies the candidate walk wraps from
// the highest assignable address back to zero.
func TestConflictWrapsAtTopOfRange(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{})

	_, err := c.StartClaim(canid.AddrMax, t0)
	require.NoError(t, err)

	c.OnClaimConflict(canid.AddrMax, t0)

	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, canid.Address(0x00), cand)
}

// TestExhaustionFailsPermanently verifies that challenging every
// assignable address fails the claim and keeps it failed until Reset.
func TestExhaustionFailsPermanently(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{})

	_, err := c.StartClaim(0x00, t0)
	require.NoError(t, err)

	conflicts := 0
	for c.Phase() == netmgmt.PhaseProbing {
		require.Less(t, conflicts, 300, "claimer did not exhaust")
		cand, ok := c.Candidate()
		require.True(t, ok)
		c.OnClaimConflict(cand, t0)
		conflicts++
	}

	assert.Equal(t, int(canid.AddrMax)+1, conflicts)
	assert.Equal(t, netmgmt.PhaseFailed, c.Phase())

	_, err = c.Probe()
	assert.ErrorIs(t, err, netmgmt.ErrAddressSpaceExhausted)
	_, err = c.Commit(t0.Add(time.Hour))
	assert.ErrorIs(t, err, netmgmt.ErrAddressSpaceExhausted)
	_, err = c.StartClaim(0x05, t0)
	assert.ErrorIs(t, err, netmgmt.ErrAddressSpaceExhausted)

	c.Reset()
	assert.Equal(t, netmgmt.PhaseIdle, c.Phase())
	_, err = c.StartClaim(0x05, t0)
	assert.NoError(t, err)
}

// TestClaimedAddressConflictResumesProbing verifies that losing a
// committed address sends the claimer back to probing with the next
// candidate.
func TestClaimedAddressConflictResumesProbing(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: time.Millisecond})

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)
	_, err = c.Commit(t0.Add(time.Millisecond))
	require.NoError(t, err)

	c.OnClaimConflict(0x10, t0.Add(time.Second))

	assert.Equal(t, netmgmt.PhaseProbing, c.Phase())
	_, ok := c.Address()
	assert.False(t, ok)

	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, canid.Address(0x11), cand)

	_, err = c.ClaimFrame()
	assert.ErrorIs(t, err, netmgmt.ErrNotClaimed)
}

// TestClaimFrameAnnouncesAddress verifies the claim announcement
// layout: bus ID in the variable byte, broadcast target, claimed source.
func TestClaimFrameAnnouncesAddress(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{BusID: 0x05, ProbeWindow: time.Millisecond})

	_, err := c.StartClaim(0x2A, t0)
	require.NoError(t, err)
	_, err = c.Commit(t0.Add(time.Millisecond))
	require.NoError(t, err)

	id, err := c.ClaimFrame()
	require.NoError(t, err)

	assert.Equal(t, canid.PrioNetworkMgmt, id.Priority)
	assert.Equal(t, canid.TypeNetwork, id.Type)
	assert.Equal(t, uint8(0x05), id.BusID())
	assert.Equal(t, canid.AddrBroadcast, id.Target)
	assert.Equal(t, canid.Address(0x2A), id.Source)

	raw, err := canid.Encode(id)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1305FF2A), raw)
}

// TestWinsTieBreak verifies that the lower EUI keeps the address.
func TestWinsTieBreak(t *testing.T) {
	local := [8]byte{0x10, 0, 0, 0, 0, 0, 0, 0}
	c := newClaimer(t, netmgmt.Config{EUI: local})

	assert.True(t, c.WinsTieBreak([8]byte{0x20, 0, 0, 0, 0, 0, 0, 0}))
	assert.False(t, c.WinsTieBreak([8]byte{0x05, 0, 0, 0, 0, 0, 0, 0}))
	assert.True(t, c.WinsTieBreak(local))
}

// TestStartClaimAnyPicksAssignable verifies that the random candidate
// is folded into the assignable range.
func TestStartClaimAnyPicksAssignable(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want canid.Address
	}{
		{"plain", 0x42, 0x42},
		{"folds anonymous", 0xFE, 0x00},
		{"folds broadcast", 0xFF, 0x01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClaimer(t, netmgmt.Config{Rand: &seqReader{seq: []byte{tt.b, 0x99}}})

			claim, err := c.StartClaimAny(t0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, claim.Candidate)
			assert.True(t, claim.Candidate.Assignable())
			assert.Equal(t, uint8(0x99), claim.Nonce)
		})
	}
}

// TestProbeFreshNonce verifies that re-probing draws a new nonce for
// the same candidate.
func TestProbeFreshNonce(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{Rand: &seqReader{seq: []byte{0xAA, 0xBB}}})

	first, err := c.StartClaim(0x30, t0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAA), first.Nonce)

	second, err := c.Probe()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xBB), second.Nonce)
	assert.Equal(t, first.Candidate, second.Candidate)
}

// TestProbeWithoutClaim verifies that Probe on an idle claimer fails.
func TestProbeWithoutClaim(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{})

	_, err := c.Probe()
	assert.ErrorIs(t, err, netmgmt.ErrNotProbing)
}

// TestWindowRemaining verifies the countdown toward the commit point.
func TestWindowRemaining(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: 500 * time.Millisecond})

	assert.Equal(t, time.Duration(0), c.WindowRemaining(t0))

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, c.WindowRemaining(t0))
	assert.Equal(t, 300*time.Millisecond, c.WindowRemaining(t0.Add(200*time.Millisecond)))
	assert.Equal(t, time.Duration(0), c.WindowRemaining(t0.Add(500*time.Millisecond)))
}

// TestPhaseChangeCallback verifies the transition sequence through a
// full claim lifecycle.
func TestPhaseChangeCallback(t *testing.T) {
	c := newClaimer(t, netmgmt.Config{ProbeWindow: time.Millisecond})

	type transition struct{ old, new netmgmt.Phase }
	var got []transition
	c.OnPhaseChange(func(old, new netmgmt.Phase) {
		got = append(got, transition{old, new})
	})

	_, err := c.StartClaim(0x10, t0)
	require.NoError(t, err)
	_, err = c.Commit(t0.Add(time.Millisecond))
	require.NoError(t, err)
	c.OnClaimConflict(0x10, t0.Add(time.Second))
	c.Reset()

	want := []transition{
		{netmgmt.PhaseIdle, netmgmt.PhaseProbing},
		{netmgmt.PhaseProbing, netmgmt.PhaseClaimed},
		{netmgmt.PhaseClaimed, netmgmt.PhaseProbing},
		{netmgmt.PhaseProbing, netmgmt.PhaseIdle},
	}
	assert.Equal(t, want, got)
}

// TestNewClaimerGeneratesEUI verifies EUI handling at construction.
func TestNewClaimerGeneratesEUI(t *testing.T) {
	generated, err := netmgmt.NewClaimer(netmgmt.Config{})
	require.NoError(t, err)
	assert.NotEqual(t, [8]byte{}, generated.EUI())

	explicit := [8]byte{9, 8, 7, 6, 5, 4, 3, 2}
	c, err := netmgmt.NewClaimer(netmgmt.Config{EUI: explicit})
	require.NoError(t, err)
	assert.Equal(t, explicit, c.EUI())
}

// TestPhaseString verifies the phase names.
func TestPhaseString(t *testing.T) {
	assert.Equal(t, "IDLE", netmgmt.PhaseIdle.String())
	assert.Equal(t, "PROBING", netmgmt.PhaseProbing.String())
	assert.Equal(t, "CLAIMED", netmgmt.PhaseClaimed.String())
	assert.Equal(t, "FAILED", netmgmt.PhaseFailed.String())
	assert.Equal(t, "UNKNOWN", netmgmt.Phase(42).String())
}
