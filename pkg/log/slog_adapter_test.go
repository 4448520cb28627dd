package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
)

// newCaptureAdapter returns an adapter writing JSON lines to buf at debug level.
func newCaptureAdapter(buf *bytes.Buffer) *SlogAdapter {
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return NewSlogAdapter(slog.New(handler))
}

func TestSlogAdapterFrameEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newCaptureAdapter(&buf)

	adapter.Log(Event{
		Timestamp: time.Now(),
		NodeID:    "node-1",
		Direction: DirectionIn,
		Layer:     LayerBus,
		Category:  CategoryFrame,
		Bus:       "can0",
		Frame: &FrameEvent{
			RawID:  0x18DA0501,
			Class:  canid.ClassChannel,
			Source: 0x01,
			Target: 0x05,
			Data:   []byte{1, 2},
		},
	})

	out := buf.String()
	for _, want := range []string{"node-1", "0x18DA0501", "CHANNEL", "can0", "IN"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestSlogAdapterStateChange(t *testing.T) {
	var buf bytes.Buffer
	adapter := newCaptureAdapter(&buf)

	adapter.Log(Event{
		Timestamp: time.Now(),
		NodeID:    "node-2",
		Direction: DirectionOut,
		Layer:     LayerSession,
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   StateEntityClaim,
			OldState: "idle",
			NewState: "probing",
			Reason:   "claim started",
		},
	})

	out := buf.String()
	for _, want := range []string{"CLAIM", "idle", "probing", "claim started"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestSlogAdapterErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	adapter := newCaptureAdapter(&buf)

	adapter.Log(Event{
		Timestamp: time.Now(),
		NodeID:    "node-3",
		Direction: DirectionIn,
		Layer:     LayerBus,
		Category:  CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerBus,
			Message: "receive failed",
			Context: "process loop",
		},
	})

	out := buf.String()
	for _, want := range []string{"receive failed", "process loop", "ERROR"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestSlogAdapterSuppressedBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Log(Event{Timestamp: time.Now(), NodeID: "quiet", Direction: DirectionIn, Layer: LayerBus, Category: CategoryFrame})

	if buf.Len() != 0 {
		t.Errorf("debug event emitted at info level: %s", buf.String())
	}
}
