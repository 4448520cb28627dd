// Package log provides structured protocol logging for ThingSet CAN.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (bus, channel, session).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/thingset/node.tslog")
//
//	// Both: use MultiLogger
//	trace, _ := log.NewFileLogger("/var/log/thingset/node.tslog")
//	cfg.Logger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), trace)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Bus: Raw CAN frames (FrameEvent)
//   - Channel: Reassembled messages and reports (MessageEvent)
//   - Session: Claim and request state changes (StateChangeEvent)
//
// Errors have a dedicated event type usable at any layer.
//
// # File Format
//
// Log files use CBOR encoding with .tslog extension. The tscan-monitor
// tool reads recorded traces back with the Reader in this package.
package log
