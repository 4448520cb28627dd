// Package socketcan binds the bus abstraction to Linux SocketCAN
// interfaces. It is a thin adapter over github.com/brutella/can and
// only builds on platforms with AF_CAN support.
package socketcan

import (
	"fmt"
	"sync"

	"github.com/brutella/can"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
)

// Linux can_id flag bits, see linux/can.h.
const (
	frameFlagExtended = 0x80000000
	frameMaskExtended = 0x1FFFFFFF
	frameMaskStandard = 0x7FF
)

// rxBuffer bounds undelivered inbound frames before the adapter drops.
const rxBuffer = 256

// Bus is a SocketCAN attachment.
type Bus struct {
	iface string
	dev   *can.Bus

	rx chan bus.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// Open binds to a named SocketCAN interface, for example "can0".
func Open(ifaceName string) (*Bus, error) {
	dev, err := can.NewBusForInterfaceWithName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %s: %w", ifaceName, err)
	}

	b := &Bus{
		iface:  ifaceName,
		dev:    dev,
		rx:     make(chan bus.Frame, rxBuffer),
		closed: make(chan struct{}),
	}
	dev.SubscribeFunc(b.handle)

	go func() {
		// Runs until Disconnect. Read errors terminate the loop;
		// pending Receive calls then block until Close.
		_ = dev.ConnectAndPublish()
	}()

	return b, nil
}

// handle adapts an inbound kernel frame. Runs on the reader goroutine
// of the underlying bus, so it must not block.
func (b *Bus) handle(frm can.Frame) {
	f := bus.Frame{
		Extended: frm.ID&frameFlagExtended != 0,
		Len:      frm.Length,
	}
	if f.Extended {
		f.ID = frm.ID & frameMaskExtended
	} else {
		f.ID = frm.ID & frameMaskStandard
	}
	if f.Len > 8 {
		f.Len = 8
	}
	copy(f.Data[:], frm.Data[:])

	select {
	case b.rx <- f:
	default:
		// RX overflow, frame lost
	}
}

// Send transmits a frame on the interface.
func (b *Bus) Send(f bus.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-b.closed:
		return bus.ErrClosed
	default:
	}

	frm := can.Frame{ID: f.ID, Length: f.Len}
	if f.Extended {
		frm.ID |= frameFlagExtended
	}
	copy(frm.Data[:], f.Data[:])

	if err := b.dev.Publish(frm); err != nil {
		return fmt.Errorf("socketcan: send on %s: %w", b.iface, err)
	}
	return nil
}

// Receive blocks until the next frame arrives or the bus is closed.
func (b *Bus) Receive() (bus.Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	case <-b.closed:
		return bus.Frame{}, bus.ErrClosed
	}
}

// Close detaches from the interface and unblocks pending receives.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.dev.Disconnect()
	})
	return err
}

// Compile-time interface satisfaction check.
var _ bus.Bus = (*Bus)(nil)
