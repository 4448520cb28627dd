package log

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see bus traffic in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("node_id", event.NodeID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.Bus != "" {
		attrs = append(attrs, slog.String("bus", event.Bus))
	}
	if event.Addr != 0 {
		attrs = append(attrs, slog.String("addr", event.Addr.String()))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("can_id", fmt.Sprintf("0x%08X", event.Frame.RawID)),
			slog.String("class", event.Frame.Class.String()),
			slog.String("source", event.Frame.Source.String()),
			slog.Int("len", len(event.Frame.Data)),
		)
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("msg_type", event.Message.Type.String()),
			slog.String("source", event.Message.Source.String()),
			slog.String("target", event.Message.Target.String()),
			slog.Int("size", event.Message.Size),
		)
		if event.Message.DataID != nil {
			attrs = append(attrs, slog.String("data_id", fmt.Sprintf("0x%04X", *event.Message.DataID)))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
