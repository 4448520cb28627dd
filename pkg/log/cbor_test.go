package log

import (
	"bytes"
	"testing"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
)

func TestEncodeDecodeFrameEvent(t *testing.T) {
	event := Event{
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		NodeID:    "3f6e1c2a",
		Direction: DirectionIn,
		Layer:     LayerBus,
		Category:  CategoryFrame,
		Bus:       "can0",
		Addr:      0x05,
		Frame: &FrameEvent{
			RawID:  0x18DA0501,
			Class:  canid.ClassChannel,
			Source: 0x01,
			Target: 0x05,
			Data:   []byte{0x01, 0x85, 0x18, 0x20},
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, event.Timestamp)
	}
	if decoded.NodeID != event.NodeID {
		t.Errorf("NodeID: got %q, want %q", decoded.NodeID, event.NodeID)
	}
	if decoded.Bus != event.Bus {
		t.Errorf("Bus: got %q, want %q", decoded.Bus, event.Bus)
	}
	if decoded.Addr != event.Addr {
		t.Errorf("Addr: got %v, want %v", decoded.Addr, event.Addr)
	}
	if decoded.Frame == nil {
		t.Fatal("Frame is nil after round trip")
	}
	if decoded.Frame.RawID != event.Frame.RawID {
		t.Errorf("Frame.RawID: got 0x%08X, want 0x%08X", decoded.Frame.RawID, event.Frame.RawID)
	}
	if decoded.Frame.Class != event.Frame.Class {
		t.Errorf("Frame.Class: got %v, want %v", decoded.Frame.Class, event.Frame.Class)
	}
	if !bytes.Equal(decoded.Frame.Data, event.Frame.Data) {
		t.Errorf("Frame.Data: got %x, want %x", decoded.Frame.Data, event.Frame.Data)
	}
}

func TestEncodeDecodeMessageEvent(t *testing.T) {
	dataID := uint16(0x8007)
	event := Event{
		Timestamp: time.Now().UTC(),
		NodeID:    "node",
		Direction: DirectionOut,
		Layer:     LayerChannel,
		Category:  CategoryMessage,
		Message: &MessageEvent{
			Type:      MessageTypeReport,
			Source:    0x0A,
			DataID:    &dataID,
			Size:      42,
			Payload:   []byte{0xA1, 0x01, 0x18, 0x2A},
			Truncated: true,
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	msg := decoded.Message
	if msg == nil {
		t.Fatal("Message is nil after round trip")
	}
	if msg.Type != MessageTypeReport {
		t.Errorf("Type: got %v, want REPORT", msg.Type)
	}
	if msg.DataID == nil || *msg.DataID != dataID {
		t.Errorf("DataID: got %v, want 0x%04X", msg.DataID, dataID)
	}
	if !msg.Truncated {
		t.Error("Truncated flag lost in round trip")
	}
}

func TestEncodeDecodeStateChange(t *testing.T) {
	event := Event{
		Timestamp: time.Now().UTC(),
		NodeID:    "node",
		Direction: DirectionOut,
		Layer:     LayerSession,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityClaim,
			OldState: "probing",
			NewState: "claimed",
			Reason:   "probe window elapsed",
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	sc := decoded.StateChange
	if sc == nil {
		t.Fatal("StateChange is nil after round trip")
	}
	if sc.Entity != StateEntityClaim || sc.OldState != "probing" || sc.NewState != "claimed" {
		t.Errorf("StateChange fields lost: %+v", sc)
	}
}

func TestEncodeDecodeErrorEvent(t *testing.T) {
	event := Event{
		Timestamp: time.Now().UTC(),
		NodeID:    "node",
		Direction: DirectionIn,
		Layer:     LayerBus,
		Category:  CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerBus,
			Message: "bus closed",
			Context: "receive loop",
		},
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.Error == nil {
		t.Fatal("Error is nil after round trip")
	}
	if decoded.Error.Message != "bus closed" {
		t.Errorf("Error.Message: got %q", decoded.Error.Message)
	}
}

func TestTimestampNanosecondPrecision(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	event := Event{Timestamp: ts, NodeID: "n", Direction: DirectionIn, Layer: LayerBus, Category: CategoryFrame}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("nanoseconds lost: got %v, want %v", decoded.Timestamp, ts)
	}
}

func TestOmittedFieldsStayNil(t *testing.T) {
	event := Event{
		Timestamp: time.Now().UTC(),
		NodeID:    "n",
		Direction: DirectionIn,
		Layer:     LayerBus,
		Category:  CategoryFrame,
	}

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.Frame != nil || decoded.Message != nil || decoded.StateChange != nil || decoded.Error != nil {
		t.Error("omitted payloads decoded non-nil")
	}
	if decoded.Bus != "" {
		t.Errorf("omitted Bus decoded as %q", decoded.Bus)
	}
}

func TestEncoderDecoderStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	events := []Event{
		{Timestamp: time.Now().UTC(), NodeID: "a", Direction: DirectionIn, Layer: LayerBus, Category: CategoryFrame},
		{Timestamp: time.Now().UTC(), NodeID: "b", Direction: DirectionOut, Layer: LayerChannel, Category: CategoryMessage},
		{Timestamp: time.Now().UTC(), NodeID: "c", Direction: DirectionIn, Layer: LayerSession, Category: CategoryState},
	}
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range events {
		var got Event
		if err := dec.Decode(&got); err != nil {
			t.Fatalf("Decode %d failed: %v", i, err)
		}
		if got.NodeID != want.NodeID {
			t.Errorf("event %d: NodeID = %q, want %q", i, got.NodeID, want.NodeID)
		}
	}
}
