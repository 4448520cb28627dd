package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
)

// ErrSubscriptionNotFound is returned when cancelling an unknown report
// subscription.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Report is a broadcast telemetry message keyed by a 16-bit data ID.
// Control frames share the layout and fan out the same way.
type Report struct {
	DataID  uint16
	Source  canid.Address
	Payload []byte
}

// Value decodes the report payload as a single CBOR value.
func (r Report) Value() (any, error) {
	return DecodeValue(r.Payload)
}

// PublishFunc produces the payload for one periodic report. Returning an
// error skips the slot.
type PublishFunc func() (dataID uint16, payload []byte, err error)

// SetPublisher registers the callback that produces periodic report
// payloads.
func (n *Node) SetPublisher(fn PublishFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publisher = fn
}

// EnablePublish starts periodic publication. The first report is due on
// the next process-loop pass; re-enabling after a disable resumes the
// original schedule rather than restarting it.
func (n *Node) EnablePublish(period time.Duration) error {
	if err := n.scheduler.Enable(period, time.Now()); err != nil {
		return err
	}
	n.logState(log.StateEntityScheduler, "DISABLED", "ENABLED", "period "+period.String())
	return nil
}

// DisablePublish stops periodic publication. The schedule phase is
// preserved for a later EnablePublish.
func (n *Node) DisablePublish() {
	n.scheduler.Disable()
	n.logState(log.StateEntityScheduler, "ENABLED", "DISABLED", "")
}

// PublishEnabled reports whether periodic publication is active.
func (n *Node) PublishEnabled() bool {
	return n.scheduler.Enabled()
}

// publish emits one report. The schedule advances even when no report
// goes out, so a missing publisher cannot wedge the process loop in a
// permanently-due state. Reports are suppressed while the node is
// anonymous: telemetry keyed by the anonymous source is ambiguous on a
// multi-node bus.
func (n *Node) publish(ctx context.Context, now time.Time) {
	n.mu.Lock()
	fn := n.publisher
	local := n.addr
	n.mu.Unlock()

	n.scheduler.Advance(now)
	if fn == nil || !local.Assignable() {
		return
	}

	dataID, payload, err := fn()
	if err != nil {
		n.logError("publisher: "+err.Error(), "publish")
		return
	}
	id := canid.NewReport(canid.PrioReportLow, dataID, local)
	if err := n.transport.Send(ctx, id, payload); err != nil {
		n.logError("report send: "+err.Error(), "publish")
		return
	}
	n.logMessage(log.DirectionOut, log.MessageTypeReport, local, canid.AddrBroadcast, &dataID, payload)
}

// fanOutReport delivers an inbound report or control frame to the
// subscriber callbacks.
func (n *Node) fanOutReport(m isotp.Message) {
	n.subs.dispatch(Report{
		DataID:  m.ID.DataID(),
		Source:  m.ID.Source,
		Payload: m.Data,
	})
}

// SubscribeReports registers fn for every inbound report and control
// frame. The returned id cancels the subscription via Unsubscribe.
func (n *Node) SubscribeReports(fn func(Report)) uint32 {
	return n.subs.add(fn, 0, false)
}

// SubscribeData registers fn for reports carrying a single data ID.
func (n *Node) SubscribeData(dataID uint16, fn func(Report)) uint32 {
	return n.subs.add(fn, dataID, true)
}

// Unsubscribe cancels a report subscription.
func (n *Node) Unsubscribe(id uint32) error {
	return n.subs.remove(id)
}

// reportSubs fans inbound reports out to subscriber callbacks.
type reportSubs struct {
	mu   sync.RWMutex
	next uint32
	subs map[uint32]reportSub
}

type reportSub struct {
	fn     func(Report)
	dataID uint16
	keyed  bool
}

func (s *reportSubs) init() {
	s.subs = make(map[uint32]reportSub)
}

func (s *reportSubs) add(fn func(Report), dataID uint16, keyed bool) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.subs[s.next] = reportSub{fn: fn, dataID: dataID, keyed: keyed}
	return s.next
}

func (s *reportSubs) remove(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	return nil
}

// dispatch invokes matching callbacks outside the lock, so a subscriber
// may subscribe or unsubscribe from within its callback.
func (s *reportSubs) dispatch(r Report) {
	s.mu.RLock()
	fns := make([]func(Report), 0, len(s.subs))
	for _, sub := range s.subs {
		if !sub.keyed || sub.dataID == r.DataID {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(r)
	}
}

// Report payload CBOR helpers. Encoding is deterministic so repeated
// reports of equal values are byte-identical on the wire.
var (
	valueEncMode cbor.EncMode
	valueDecMode cbor.DecMode
)

func init() {
	var err error
	valueEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		ShortestFloat: cbor.ShortestFloat16,
		IndefLength:   cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create report CBOR encoder mode: %v", err))
	}
	valueDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create report CBOR decoder mode: %v", err))
	}
}

// EncodeValue encodes a report value as deterministic CBOR.
func EncodeValue(v any) ([]byte, error) {
	return valueEncMode.Marshal(v)
}

// DecodeValue decodes a CBOR report payload into generic Go values.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := valueDecMode.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
