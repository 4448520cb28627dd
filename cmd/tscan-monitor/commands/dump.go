package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
	"github.com/thingset-protocol/thingset-can-go/pkg/node"
)

// DumpOptions selects which events the dump command prints. String
// fields hold raw flag values and are parsed by BuildFilter.
type DumpOptions struct {
	NodeID    string
	Bus       string
	Direction string
	Layer     string
	Category  string
	Since     string
	Until     string
}

// BuildFilter converts the raw options into a reader filter.
func BuildFilter(opts DumpOptions) (log.Filter, error) {
	filter := log.Filter{
		NodeID: opts.NodeID,
		Bus:    opts.Bus,
	}

	if opts.Direction != "" {
		d, err := parseDirection(opts.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if opts.Layer != "" {
		l, err := parseLayer(opts.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if opts.Category != "" {
		c, err := parseCategory(opts.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	if opts.Since != "" {
		t, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid since time: %w", err)
		}
		filter.TimeStart = &t
	}
	if opts.Until != "" {
		t, err := time.Parse(time.RFC3339, opts.Until)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid until time: %w", err)
		}
		filter.TimeEnd = &t
	}

	return filter, nil
}

// parseLayer parses a layer string (case-insensitive).
func parseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "bus":
		return log.LayerBus, nil
	case "channel":
		return log.LayerChannel, nil
	case "session":
		return log.LayerSession, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be bus, channel, or session)", s)
	}
}

// parseDirection parses a direction string (case-insensitive).
func parseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// parseCategory parses a category string (case-insensitive).
func parseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "frame":
		return log.CategoryFrame, nil
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be frame, message, state, or error)", s)
	}
}

// RunDump executes the dump command.
func RunDump(path string, opts DumpOptions, output io.Writer) error {
	filter, err := BuildFilter(opts)
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		formatEvent(output, event)
	}

	return nil
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [node:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	nodeID := shortenNodeID(event.NodeID)
	dir := event.Direction.String()

	var typeLabel string
	switch {
	case event.Frame != nil:
		typeLabel = "Frame"
	case event.Message != nil:
		typeLabel = event.Message.Type.String()
	case event.StateChange != nil:
		typeLabel = "State"
	case event.Error != nil:
		typeLabel = "Error"
	default:
		typeLabel = "Unknown"
	}

	fmt.Fprintf(w, "%s [node:%s] %-3s %s %s\n", ts, nodeID, dir, event.Layer.String(), typeLabel)

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shortenNodeID returns the first 8 characters of the node ID.
func shortenNodeID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// formatFrameDetails writes frame-specific details.
func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	if id, err := canid.Decode(frame.RawID); err == nil {
		fmt.Fprintf(w, "  ID: %s\n", id)
	} else {
		fmt.Fprintf(w, "  ID: 0x%08X (unclassified)\n", frame.RawID)
	}
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s\n", hex.EncodeToString(frame.Data))
	}
}

// formatMessageDetails writes message-specific details.
func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	if msg.Type == log.MessageTypeReport {
		fmt.Fprintf(w, "  Source: %s\n", msg.Source)
		if msg.DataID != nil {
			fmt.Fprintf(w, "  Data ID: 0x%04X\n", *msg.DataID)
		}
	} else {
		fmt.Fprintf(w, "  Route: %s -> %s\n", msg.Source, msg.Target)
	}
	fmt.Fprintf(w, "  Size: %d bytes\n", msg.Size)

	if len(msg.Payload) > 0 {
		fmt.Fprintf(w, "  Payload: %s", renderPayload(msg.Payload))
		if msg.Truncated {
			fmt.Fprint(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

// renderPayload decodes a CBOR value for display, falling back to hex.
func renderPayload(payload []byte) string {
	v, err := node.DecodeValue(payload)
	if err != nil {
		return hex.EncodeToString(payload)
	}
	return fmt.Sprintf("%v", v)
}

// formatStateChangeDetails writes state change details.
func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// formatErrorDetails writes error details.
func formatErrorDetails(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
}
