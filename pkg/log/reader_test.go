package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"
)

// writeTrace writes a fixed sequence of events and returns the file path.
func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.tslog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, NodeID: "node-a", Direction: DirectionIn, Layer: LayerBus, Category: CategoryFrame, Bus: "can0"},
		{Timestamp: base.Add(1 * time.Second), NodeID: "node-a", Direction: DirectionOut, Layer: LayerChannel, Category: CategoryMessage, Bus: "can0"},
		{Timestamp: base.Add(2 * time.Second), NodeID: "node-b", Direction: DirectionIn, Layer: LayerSession, Category: CategoryState, Bus: "can1"},
		{Timestamp: base.Add(3 * time.Second), NodeID: "node-b", Direction: DirectionOut, Layer: LayerBus, Category: CategoryError, Bus: "can1"},
	}
	for _, e := range events {
		logger.Log(e)
	}
	return path
}

// drain reads all remaining events.
func drain(t *testing.T, r *Reader) []Event {
	t.Helper()
	var events []Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, e)
	}
}

func TestReaderReadsAll(t *testing.T) {
	path := writeTrace(t)

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	events := drain(t, r)
	if len(events) != 4 {
		t.Fatalf("read %d events, want 4", len(events))
	}
	if events[0].NodeID != "node-a" || events[3].NodeID != "node-b" {
		t.Error("events out of order")
	}
}

func TestReaderFilterByNode(t *testing.T) {
	path := writeTrace(t)

	r, err := NewFilteredReader(path, Filter{NodeID: "node-b"})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer r.Close()

	events := drain(t, r)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.NodeID != "node-b" {
			t.Errorf("filter leaked NodeID %q", e.NodeID)
		}
	}
}

func TestReaderFilterByDirectionAndLayer(t *testing.T) {
	path := writeTrace(t)

	dir := DirectionIn
	layer := LayerBus
	r, err := NewFilteredReader(path, Filter{Direction: &dir, Layer: &layer})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer r.Close()

	events := drain(t, r)
	if len(events) != 1 {
		t.Fatalf("read %d events, want 1", len(events))
	}
	if events[0].Category != CategoryFrame {
		t.Errorf("wrong event matched: %+v", events[0])
	}
}

func TestReaderFilterByTimeWindow(t *testing.T) {
	path := writeTrace(t)

	start := time.Date(2026, 2, 1, 12, 0, 1, 0, time.UTC)
	end := time.Date(2026, 2, 1, 12, 0, 3, 0, time.UTC)
	r, err := NewFilteredReader(path, Filter{TimeStart: &start, TimeEnd: &end})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer r.Close()

	// Window is [start, end): events at +1s and +2s match, +3s does not.
	events := drain(t, r)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
}

func TestReaderFilterByBus(t *testing.T) {
	path := writeTrace(t)

	r, err := NewFilteredReader(path, Filter{Bus: "can1"})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer r.Close()

	events := drain(t, r)
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "absent.tslog")); err == nil {
		t.Error("NewReader on missing file did not fail")
	}
}
