package isotp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
)

// Transport defaults.
const (
	// DefaultBlockSize is the number of consecutive frames accepted
	// between flow controls.
	DefaultBlockSize uint8 = 8

	// DefaultFCTimeout bounds the wait for a peer's flow control.
	DefaultFCTimeout = time.Second

	// DefaultCFTimeout bounds the gap between consecutive frames.
	DefaultCFTimeout = time.Second

	// DefaultMaxTransfer is the largest accepted message.
	DefaultMaxTransfer = maxTransferSize

	// maxWaitFrames caps how often a peer may answer WAIT before the
	// transfer is abandoned.
	maxWaitFrames = 8

	inboundQueueLen     = 32
	flowControlQueueLen = 8
)

// Transport errors.
var (
	// ErrTimeout indicates a transfer or receive deadline elapsed.
	ErrTimeout = errors.New("transfer timed out")

	// ErrOverflow indicates the peer rejected a transfer as too large.
	ErrOverflow = errors.New("receiver overflow")

	// ErrMessageTooLarge indicates the message exceeds what the frame
	// class can carry.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageEmpty indicates an empty channel message.
	ErrMessageEmpty = errors.New("message is empty")
)

// Message is a complete inbound message: a reassembled channel
// transfer, or the raw payload of a report, control or network frame.
type Message struct {
	ID   canid.Identifier
	Data []byte
}

// Config holds transport configuration.
type Config struct {
	// LocalAddress filters inbound channel frames. The zero value
	// starts anonymous: New cannot tell a configured address 0x00
	// from an unset field, so 0x00, like any claimed address, is
	// applied via SetLocalAddress.
	LocalAddress canid.Address

	// BlockSize is advertised in outbound flow control. Zero means
	// DefaultBlockSize.
	BlockSize uint8

	// STmin is the frame separation advertised in outbound flow
	// control.
	STmin time.Duration

	// FCTimeout bounds the wait for a peer's flow control. Zero
	// means DefaultFCTimeout.
	FCTimeout time.Duration

	// CFTimeout bounds the gap between consecutive frames. Zero
	// means DefaultCFTimeout.
	CFTimeout time.Duration

	// MaxTransfer caps message size in both directions. Zero means
	// DefaultMaxTransfer; larger values are clamped to it.
	MaxTransfer int

	// Logger receives frame and error events. Nil disables logging.
	Logger log.Logger

	// NodeID and BusName label log events.
	NodeID  string
	BusName string
}

// inboundFC is a flow control routed from the pump to a waiting sender.
type inboundFC struct {
	peer canid.Address
	flowControl
}

// rxContext is an in-progress reassembly. Only the pump goroutine
// touches it.
type rxContext struct {
	peer     canid.Address
	id       canid.Identifier
	expected int
	buf      []byte
	seq      uint8
	window   int
	deadline time.Time
}

// Transport segments outbound messages and reassembles inbound ones
// over a bus attachment. It owns the bus: Close closes it.
type Transport struct {
	bus         bus.Bus
	blockSize   uint8
	stMin       time.Duration
	fcTimeout   time.Duration
	cfTimeout   time.Duration
	maxTransfer int
	logger      log.Logger
	nodeID      string
	busName     string

	mu    sync.Mutex
	local canid.Address

	// sendMu serializes multi-frame transmissions.
	sendMu sync.Mutex

	fcCh      chan inboundFC
	msgCh     chan Message
	done      chan struct{}
	closeOnce sync.Once

	rx *rxContext
}

// New creates a transport over the given bus and starts its receive
// pump. The transport takes ownership of the bus.
func New(b bus.Bus, cfg Config) *Transport {
	t := &Transport{
		bus:         b,
		blockSize:   cfg.BlockSize,
		stMin:       cfg.STmin,
		fcTimeout:   cfg.FCTimeout,
		cfTimeout:   cfg.CFTimeout,
		maxTransfer: cfg.MaxTransfer,
		logger:      cfg.Logger,
		nodeID:      cfg.NodeID,
		busName:     cfg.BusName,
		local:       cfg.LocalAddress,
		fcCh:        make(chan inboundFC, flowControlQueueLen),
		msgCh:       make(chan Message, inboundQueueLen),
		done:        make(chan struct{}),
	}
	if t.blockSize == 0 {
		t.blockSize = DefaultBlockSize
	}
	if t.fcTimeout == 0 {
		t.fcTimeout = DefaultFCTimeout
	}
	if t.cfTimeout == 0 {
		t.cfTimeout = DefaultCFTimeout
	}
	if t.maxTransfer == 0 || t.maxTransfer > maxTransferSize {
		t.maxTransfer = DefaultMaxTransfer
	}
	if t.local == 0 {
		t.local = canid.AddrAnonymous
	}

	go t.pump()
	return t
}

// SetLocalAddress updates the address inbound channel frames are
// matched against.
func (t *Transport) SetLocalAddress(a canid.Address) {
	t.mu.Lock()
	t.local = a
	t.mu.Unlock()
}

// LocalAddress returns the current filter address.
func (t *Transport) LocalAddress() canid.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Close shuts down the transport and the underlying bus, unblocking
// pending sends and receives.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.bus.Close()
		<-t.done
	})
	return err
}

// Send transmits one message under the given identifier. Non-channel
// identifiers carry their payload in a single raw frame. Channel
// payloads above 7 bytes segment into a first frame and consecutive
// frames paced by the peer's flow control; broadcast channel messages
// must fit a single frame.
func (t *Transport) Send(ctx context.Context, id canid.Identifier, payload []byte) error {
	raw, err := canid.Encode(id)
	if err != nil {
		return err
	}

	if id.Type != canid.TypeChannel {
		if len(payload) > 8 {
			return fmt.Errorf("%w: %d bytes in a single-frame class", ErrMessageTooLarge, len(payload))
		}
		return t.sendFrame(raw, payload)
	}

	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) <= sfMaxPayload {
		return t.sendFrame(raw, singleFrame(payload))
	}
	if id.Target == canid.AddrBroadcast {
		return fmt.Errorf("%w: %d bytes to broadcast", ErrMessageTooLarge, len(payload))
	}
	if len(payload) > t.maxTransfer {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.drainFlowControl()

	if err := t.sendFrame(raw, firstFrame(len(payload), payload)); err != nil {
		return err
	}

	offset := ffPayload
	seq := uint8(1)
	for offset < len(payload) {
		fc, err := t.waitContinue(ctx, id.Target)
		if err != nil {
			return err
		}
		st := stMinDuration(fc.stMin)
		remaining := int(fc.blockSize) // 0 means the rest of the message

		for offset < len(payload) {
			end := offset + cfMaxPayload
			if end > len(payload) {
				end = len(payload)
			}
			if err := t.sendFrame(raw, consecutiveFrame(seq, payload[offset:end])); err != nil {
				return err
			}
			offset = end
			seq = (seq + 1) & 0xF

			if offset >= len(payload) {
				return nil
			}
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					break // block done, peer owes us a flow control
				}
			}
			if err := t.pace(ctx, st); err != nil {
				return err
			}
		}
	}
	return nil
}

// Receive returns the next complete inbound message. A timeout of zero
// or less blocks until a message arrives, the context is cancelled or
// the transport closes.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	select {
	case m := <-t.msgCh:
		return m, nil
	default:
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case m := <-t.msgCh:
		return m, nil
	case <-timeoutCh:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, bus.ErrClosed
	}
}

// pump routes inbound frames until the bus closes.
func (t *Transport) pump() {
	defer close(t.done)
	for {
		f, err := t.bus.Receive()
		if err != nil {
			return
		}
		if !f.Extended {
			continue // 11-bit traffic is foreign
		}
		id, err := canid.Decode(f.ID)
		if err != nil {
			continue
		}
		t.logFrame(log.DirectionIn, f.ID, f.Bytes())

		switch id.Class() {
		case canid.ClassChannel:
			t.handleChannel(id, f)
		case canid.ClassUnknown:
			// reserved type tag
		default:
			t.deliver(Message{ID: id, Data: append([]byte(nil), f.Bytes()...)})
		}
	}
}

// handleChannel runs the receiver side of the segmentation protocol.
func (t *Transport) handleChannel(id canid.Identifier, f bus.Frame) {
	now := time.Now()
	if t.rx != nil && now.After(t.rx.deadline) {
		t.logError(fmt.Sprintf("reassembly from %s timed out", t.rx.peer), "consecutive frame gap")
		t.rx = nil
	}

	typ, ok := pciType(f)
	if !ok {
		return
	}
	local := t.LocalAddress()

	if typ == pciFlowControl {
		if !local.Assignable() || id.Target != local {
			return
		}
		fc, err := parseFlowControl(f.Bytes())
		if err != nil {
			t.logError(err.Error(), "flow control parse")
			return
		}
		select {
		case t.fcCh <- inboundFC{peer: id.Source, flowControl: fc}:
		default:
		}
		return
	}

	toLocal := local.Assignable() && id.Target == local
	toBroadcast := id.Target == canid.AddrBroadcast

	switch typ {
	case pciSingle:
		if !toLocal && !toBroadcast {
			return
		}
		n := int(f.Data[0] & 0xF)
		if n == 0 || n > int(f.Len)-1 {
			t.logError(fmt.Sprintf("single frame length %d with %d payload bytes", n, int(f.Len)-1), "single frame parse")
			return
		}
		if t.rx != nil && t.rx.peer == id.Source {
			// A new message from the peer abandons its transfer.
			t.rx = nil
		}
		t.deliver(Message{ID: id, Data: append([]byte(nil), f.Data[1:1+n]...)})

	case pciFirst:
		// Functional addressing is single frame only: there is no
		// flow control to a broadcast target.
		if !toLocal || f.Len < 2 {
			return
		}
		total := int(f.Data[0]&0xF)<<8 | int(f.Data[1])
		if total <= sfMaxPayload {
			return // should have been a single frame
		}
		if total > t.maxTransfer {
			t.sendFlowControl(id, fcOverflow)
			t.logError(fmt.Sprintf("first frame announces %d bytes, limit %d", total, t.maxTransfer), "reassembly")
			return
		}
		if t.rx != nil && t.rx.peer != id.Source {
			return // one reassembly at a time
		}
		rx := &rxContext{
			peer:     id.Source,
			id:       id,
			expected: total,
			buf:      make([]byte, 0, total),
			seq:      1,
			window:   int(t.blockSize),
			deadline: now.Add(t.cfTimeout),
		}
		rx.buf = append(rx.buf, f.Data[2:f.Len]...)
		t.rx = rx
		t.sendFlowControl(id, fcContinue)

	case pciConsecutive:
		if t.rx == nil || t.rx.peer != id.Source || !toLocal {
			return
		}
		seq := f.Data[0] & 0xF
		if seq != t.rx.seq {
			t.logError(fmt.Sprintf("consecutive frame seq %d, want %d", seq, t.rx.seq), "reassembly")
			t.rx = nil
			return
		}
		t.rx.seq = (t.rx.seq + 1) & 0xF

		take := t.rx.expected - len(t.rx.buf)
		if n := int(f.Len) - 1; n < take {
			take = n
		}
		t.rx.buf = append(t.rx.buf, f.Data[1:1+take]...)
		t.rx.deadline = now.Add(t.cfTimeout)

		if len(t.rx.buf) >= t.rx.expected {
			msg := Message{ID: t.rx.id, Data: t.rx.buf}
			t.rx = nil
			t.deliver(msg)
			return
		}
		t.rx.window--
		if t.rx.window == 0 {
			t.rx.window = int(t.blockSize)
			t.sendFlowControl(id, fcContinue)
		}
	}
}

// sendFlowControl answers an inbound transfer, echoing its priority
// and bus ID back to the sender.
func (t *Transport) sendFlowControl(in canid.Identifier, status uint8) {
	out := canid.NewChannel(in.Priority, in.BusID(), in.Source, t.LocalAddress())
	raw, err := canid.Encode(out)
	if err != nil {
		return
	}
	bs, st := t.blockSize, stMinByte(t.stMin)
	if status != fcContinue {
		bs, st = 0, 0
	}
	if err := t.sendFrame(raw, flowControlFrame(status, bs, st)); err != nil {
		t.logError(err.Error(), "flow control send")
	}
}

// waitContinue waits for a flow control from the peer, honoring WAIT
// states up to maxWaitFrames.
func (t *Transport) waitContinue(ctx context.Context, peer canid.Address) (flowControl, error) {
	for waits := 0; ; {
		fc, err := t.waitFlowControl(ctx, peer)
		if err != nil {
			return flowControl{}, err
		}
		switch fc.status {
		case fcContinue:
			return fc, nil
		case fcOverflow:
			return flowControl{}, fmt.Errorf("%w: peer %s", ErrOverflow, peer)
		case fcWait:
			waits++
			if waits > maxWaitFrames {
				return flowControl{}, fmt.Errorf("peer %s kept waiting: %w", peer, ErrTimeout)
			}
		}
	}
}

// waitFlowControl blocks until the peer's next flow control arrives.
func (t *Transport) waitFlowControl(ctx context.Context, peer canid.Address) (flowControl, error) {
	timer := time.NewTimer(t.fcTimeout)
	defer timer.Stop()

	for {
		select {
		case in := <-t.fcCh:
			if in.peer != peer {
				continue
			}
			return in.flowControl, nil
		case <-timer.C:
			return flowControl{}, fmt.Errorf("flow control from %s: %w", peer, ErrTimeout)
		case <-ctx.Done():
			return flowControl{}, ctx.Err()
		case <-t.done:
			return flowControl{}, bus.ErrClosed
		}
	}
}

// pace observes the peer's separation time between consecutive frames.
func (t *Transport) pace(ctx context.Context, st time.Duration) error {
	if st <= 0 {
		return nil
	}
	timer := time.NewTimer(st)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return bus.ErrClosed
	}
}

// drainFlowControl discards flow controls left over from an earlier
// transfer.
func (t *Transport) drainFlowControl() {
	for {
		select {
		case <-t.fcCh:
		default:
			return
		}
	}
}

// sendFrame puts one frame on the bus.
func (t *Transport) sendFrame(raw uint32, payload []byte) error {
	f, err := bus.NewFrame(raw, payload)
	if err != nil {
		return err
	}
	if err := t.bus.Send(f); err != nil {
		return fmt.Errorf("bus send: %w", err)
	}
	t.logFrame(log.DirectionOut, raw, payload)
	return nil
}

// deliver hands a complete message to Receive, dropping it if the
// inbound queue is full.
func (t *Transport) deliver(m Message) {
	select {
	case t.msgCh <- m:
	default:
		t.logError("inbound queue full, message dropped", "deliver")
	}
}

func (t *Transport) logFrame(dir log.Direction, rawID uint32, data []byte) {
	if t.logger == nil {
		return
	}
	id, _ := canid.Decode(rawID)
	t.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    t.nodeID,
		Direction: dir,
		Layer:     log.LayerBus,
		Category:  log.CategoryFrame,
		Bus:       t.busName,
		Addr:      t.LocalAddress(),
		Frame: &log.FrameEvent{
			RawID:  rawID,
			Class:  id.Class(),
			Source: id.Source,
			Target: id.Target,
			Data:   append([]byte(nil), data...),
		},
	})
}

func (t *Transport) logError(msg, op string) {
	if t.logger == nil {
		return
	}
	t.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    t.nodeID,
		Direction: log.DirectionIn,
		Layer:     log.LayerChannel,
		Category:  log.CategoryError,
		Bus:       t.busName,
		Addr:      t.LocalAddress(),
		Error: &log.ErrorEventData{
			Layer:   log.LayerChannel,
			Message: msg,
			Context: op,
		},
	})
}
