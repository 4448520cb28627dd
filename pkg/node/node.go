package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
	"github.com/thingset-protocol/thingset-can-go/pkg/netmgmt"
	"github.com/thingset-protocol/thingset-can-go/pkg/schedule"
)

// Node errors.
var (
	// ErrNotAddressed is returned by channel operations while the node
	// still uses the anonymous address. Claim an address first.
	ErrNotAddressed = errors.New("node address not claimed")

	// ErrTransportBusy is returned by SendRequest while an earlier
	// request is still awaiting its response.
	ErrTransportBusy = errors.New("request already outstanding")

	// ErrTimeout is returned when no response, or no inbound request,
	// arrived within the deadline.
	ErrTimeout = errors.New("timed out")

	// ErrTransportError wraps failures reported by the transport.
	ErrTransportError = errors.New("transport failure")

	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("node closed")
)

// DefaultRequestTimeout bounds how long SendRequest waits for a response.
const DefaultRequestTimeout = 2 * time.Second

// defaultPollInterval caps one blocking transport poll inside the
// process loop, so claim and publish deadlines are re-checked even on a
// silent bus.
const defaultPollInterval = 500 * time.Millisecond

// Transport carries reassembled messages between nodes.
// *isotp.Transport implements it; tests substitute fakes.
type Transport interface {
	// Send transmits payload under the given identifier.
	Send(ctx context.Context, id canid.Identifier, payload []byte) error

	// Receive blocks until an inbound message arrives, the timeout
	// elapses, or ctx is cancelled. A timeout at or below zero blocks
	// until ctx alone.
	Receive(ctx context.Context, timeout time.Duration) (isotp.Message, error)

	// SetLocalAddress moves the receive filter to a newly claimed
	// address.
	SetLocalAddress(addr canid.Address)

	Close() error
}

var _ Transport = (*isotp.Transport)(nil)

// Config parameterizes a Node. Zero values select defaults.
type Config struct {
	// Transport carries channel messages and raw frames. Required.
	Transport Transport

	// BusID selects the ThingSet bus number used in channel frames.
	// Zero selects canid.DefaultBusID.
	BusID uint8

	// BusName labels log events ("can0", "mem").
	BusName string

	// EUI seeds the claim tie-break identity. Zero generates a random
	// one kept for the node's lifetime.
	EUI [8]byte

	// ProbeWindow overrides how long a claim probe waits for an owner
	// to object. Zero selects netmgmt.DefaultProbeWindow.
	ProbeWindow time.Duration

	// RequestTimeout bounds SendRequest. Zero selects
	// DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Logger receives protocol events. Nil disables tracing.
	Logger log.Logger
}

// Node is a single ThingSet node context on one CAN bus. All methods are
// safe for concurrent use, but inbound traffic only moves while one
// goroutine drives ProcessForever or Receive.
type Node struct {
	id        string
	busID     uint8
	busName   string
	transport Transport
	claimer   *netmgmt.Claimer
	scheduler *schedule.Scheduler
	logger    log.Logger
	timeout   time.Duration

	mu        sync.Mutex
	addr      canid.Address
	pending   *pendingRequest
	handler   func(Request) []byte
	publisher PublishFunc
	closed    bool

	subs reportSubs
}

// New creates a node in the anonymous, publish-disabled state.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	busID := cfg.BusID
	if busID == 0 {
		busID = canid.DefaultBusID
	}
	claimer, err := netmgmt.NewClaimer(netmgmt.Config{
		BusID:       busID,
		ProbeWindow: cfg.ProbeWindow,
		EUI:         cfg.EUI,
	})
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}

	n := &Node{
		id:        uuid.NewString(),
		busID:     busID,
		busName:   cfg.BusName,
		transport: cfg.Transport,
		claimer:   claimer,
		scheduler: schedule.NewScheduler(),
		logger:    logger,
		timeout:   timeout,
		addr:      canid.AddrAnonymous,
	}
	n.subs.init()
	claimer.OnPhaseChange(func(oldPhase, newPhase netmgmt.Phase) {
		n.logState(log.StateEntityClaim, oldPhase.String(), newPhase.String(), "")
	})
	return n, nil
}

// ID returns the node context's correlation UUID carried in log events.
func (n *Node) ID() string {
	return n.id
}

// Address returns the claimed address, or canid.AddrAnonymous.
func (n *Node) Address() canid.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// EUI returns the stable tie-break identity sent in claim frames.
func (n *Node) EUI() [8]byte {
	return n.claimer.EUI()
}

// Close shuts the node down. A pending request fails with ErrClosed and
// the transport is closed.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	p := n.pending
	n.pending = nil
	n.mu.Unlock()

	if p != nil {
		close(p.ch)
	}
	return n.transport.Close()
}

// setAddress moves the node (and the transport's receive filter) to a
// new source address.
func (n *Node) setAddress(addr canid.Address) {
	n.mu.Lock()
	n.addr = addr
	n.mu.Unlock()
	n.transport.SetLocalAddress(addr)
}

// maxEventPayload caps payload copies embedded in log events.
const maxEventPayload = 32

func (n *Node) logState(entity log.StateEntity, oldState, newState, reason string) {
	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    n.id,
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		Bus:       n.busName,
		Addr:      n.Address(),
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (n *Node) logMessage(dir log.Direction, typ log.MessageType, source, target canid.Address, dataID *uint16, payload []byte) {
	truncated := len(payload) > maxEventPayload
	snippet := payload
	if truncated {
		snippet = payload[:maxEventPayload]
	}
	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    n.id,
		Direction: dir,
		Layer:     log.LayerSession,
		Category:  log.CategoryMessage,
		Bus:       n.busName,
		Addr:      n.Address(),
		Message: &log.MessageEvent{
			Type:      typ,
			Source:    source,
			Target:    target,
			DataID:    dataID,
			Size:      len(payload),
			Payload:   append([]byte(nil), snippet...),
			Truncated: truncated,
		},
	})
}

func (n *Node) logError(msg, op string) {
	n.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    n.id,
		Layer:     log.LayerSession,
		Category:  log.CategoryError,
		Bus:       n.busName,
		Addr:      n.Address(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerSession,
			Message: msg,
			Context: op,
		},
	})
}
