package bus

import (
	"errors"
	"fmt"
)

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("bus closed")

// ErrInvalidFrame indicates a frame that cannot be sent on a classical
// CAN bus.
var ErrInvalidFrame = errors.New("invalid frame")

// Identifier range limits for classical CAN.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

// Frame is a classical CAN frame. CAN FD is not supported.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext) identifier
	Extended bool   // true for 29-bit identifier
	Len      uint8  // 0..8
	Data     [8]byte
}

// NewFrame builds an extended-identifier frame from a payload slice.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > 8 {
		return Frame{}, fmt.Errorf("%w: %d data bytes", ErrInvalidFrame, len(data))
	}
	f := Frame{ID: id, Extended: true, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f, f.Validate()
}

// Validate returns an error if the frame cannot go on the wire.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return fmt.Errorf("%w: length %d", ErrInvalidFrame, f.Len)
	}
	max := uint32(maxStdID)
	if f.Extended {
		max = maxExtID
	}
	if f.ID > max {
		return fmt.Errorf("%w: identifier 0x%X", ErrInvalidFrame, f.ID)
	}
	return nil
}

// Bytes returns the occupied part of the data array. The slice aliases
// the frame; copy it before storing.
func (f *Frame) Bytes() []byte {
	return f.Data[:f.Len]
}

// Bus is a CAN bus attachment. Implementations must be safe for
// concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame. It may block until the frame is queued.
	Send(Frame) error

	// Receive blocks until the next frame is available or the bus is
	// closed, in which case it returns ErrClosed.
	Receive() (Frame, error)

	// Close detaches from the bus and unblocks pending receives.
	Close() error
}
