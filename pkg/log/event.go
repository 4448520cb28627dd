package log

import (
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// NodeID uniquely identifies the node context (UUID).
	NodeID string `cbor:"2,keyasint"`

	// Direction indicates frame flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Bus is the bus name ("can0", "mem") when known.
	Bus string `cbor:"6,keyasint,omitempty"`

	// Addr is the node's own address when the event occurred.
	Addr canid.Address `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Bus layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Channel layer (reassembled)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Claim/session/scheduler state
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming frame or message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing frame or message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerBus is the raw CAN frame layer.
	LayerBus Layer = 0
	// LayerChannel is the reassembled message layer.
	LayerChannel Layer = 1
	// LayerSession is the claim/request orchestration layer.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerBus:
		return "BUS"
	case LayerChannel:
		return "CHANNEL"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame indicates a raw CAN frame.
	CategoryFrame Category = 0
	// CategoryMessage indicates a reassembled message or report.
	CategoryMessage Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw CAN frame at the bus layer.
type FrameEvent struct {
	// RawID is the 29-bit identifier as it went on the wire.
	RawID uint32 `cbor:"1,keyasint"`

	// Class is the identifier classification.
	Class canid.Class `cbor:"2,keyasint"`

	// Source and Target addresses, when the class defines them.
	Source canid.Address `cbor:"3,keyasint"`
	Target canid.Address `cbor:"4,keyasint,omitempty"`

	// Data is the frame payload, up to 8 bytes.
	Data []byte `cbor:"5,keyasint,omitempty"`
}

// MessageEvent captures a reassembled message at the channel layer.
type MessageEvent struct {
	// Type distinguishes requests, responses and reports.
	Type MessageType `cbor:"1,keyasint"`

	// Source and Target node addresses.
	Source canid.Address `cbor:"2,keyasint"`
	Target canid.Address `cbor:"3,keyasint,omitempty"`

	// DataID is set for reports.
	DataID *uint16 `cbor:"4,keyasint,omitempty"`

	// Size is the full message size in bytes.
	Size int `cbor:"5,keyasint"`

	// Payload is the message body (may be truncated for large messages).
	Payload []byte `cbor:"6,keyasint,omitempty"`

	// Truncated indicates if Payload was truncated.
	Truncated bool `cbor:"7,keyasint,omitempty"`
}

// MessageType distinguishes channel messages and reports.
type MessageType uint8

const (
	// MessageTypeRequest indicates a request message.
	MessageTypeRequest MessageType = 0
	// MessageTypeResponse indicates a response message.
	MessageTypeResponse MessageType = 1
	// MessageTypeReport indicates a broadcast report.
	MessageTypeReport MessageType = 2
)

// String returns the message type name.
func (m MessageType) String() string {
	switch m {
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeReport:
		return "REPORT"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures claim, session and scheduler lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityClaim indicates an address claim state change.
	StateEntityClaim StateEntity = 0
	// StateEntitySession indicates a request session state change.
	StateEntitySession StateEntity = 1
	// StateEntityScheduler indicates a publish scheduler state change.
	StateEntityScheduler StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityClaim:
		return "CLAIM"
	case StateEntitySession:
		return "SESSION"
	case StateEntityScheduler:
		return "SCHEDULER"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
