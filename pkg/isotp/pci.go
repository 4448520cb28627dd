package isotp

import (
	"fmt"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
)

// Protocol control information types, upper nibble of the first
// payload byte of every channel frame.
const (
	pciSingle      uint8 = 0x0
	pciFirst       uint8 = 0x1
	pciConsecutive uint8 = 0x2
	pciFlowControl uint8 = 0x3
)

// Flow control status values.
const (
	fcContinue uint8 = 0
	fcWait     uint8 = 1
	fcOverflow uint8 = 2
)

// Payload capacities for classical CAN.
const (
	sfMaxPayload = 7
	ffPayload    = 6
	cfMaxPayload = 7

	// maxTransferSize is the largest message a first frame can
	// announce in its 12-bit length field. Escape sequences for
	// larger transfers are a CAN FD feature and not supported.
	maxTransferSize = 0xFFF
)

// singleFrame builds the payload of a single frame PDU.
func singleFrame(payload []byte) []byte {
	data := make([]byte, 1+len(payload))
	data[0] = pciSingle<<4 | uint8(len(payload))
	copy(data[1:], payload)
	return data
}

// firstFrame builds the payload of a first frame PDU announcing total
// bytes and carrying the leading 6.
func firstFrame(total int, payload []byte) []byte {
	data := make([]byte, 2+ffPayload)
	data[0] = pciFirst<<4 | uint8(total>>8)
	data[1] = uint8(total)
	copy(data[2:], payload[:ffPayload])
	return data
}

// consecutiveFrame builds the payload of a consecutive frame PDU.
func consecutiveFrame(seq uint8, chunk []byte) []byte {
	data := make([]byte, 1+len(chunk))
	data[0] = pciConsecutive<<4 | seq&0xF
	copy(data[1:], chunk)
	return data
}

// flowControlFrame builds the payload of a flow control PDU.
func flowControlFrame(status, blockSize, stMin uint8) []byte {
	return []byte{pciFlowControl<<4 | status&0xF, blockSize, stMin}
}

// flowControl is a parsed flow control PDU.
type flowControl struct {
	status    uint8
	blockSize uint8
	stMin     uint8
}

// parseFlowControl decodes a flow control payload.
func parseFlowControl(data []byte) (flowControl, error) {
	if len(data) < 3 {
		return flowControl{}, fmt.Errorf("flow control frame with %d bytes", len(data))
	}
	fc := flowControl{
		status:    data[0] & 0xF,
		blockSize: data[1],
		stMin:     data[2],
	}
	if fc.status > fcOverflow {
		return flowControl{}, fmt.Errorf("unknown flow status %d", fc.status)
	}
	return fc, nil
}

// pciType returns the PDU type of a channel frame, or false for an
// empty frame.
func pciType(f bus.Frame) (uint8, bool) {
	if f.Len == 0 {
		return 0, false
	}
	return f.Data[0] >> 4, true
}

// stMinDuration converts a wire STmin byte to the separation time the
// sender must leave between consecutive frames. Values 0x00-0x7F are
// milliseconds, 0xF1-0xF9 are 100-900 microseconds. Reserved values
// are read as the maximum per ISO 15765-2.
func stMinDuration(b uint8) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 0x7F * time.Millisecond
	}
}

// stMinByte converts a separation time to its wire encoding, rounding
// up to the nearest representable value.
func stMinByte(d time.Duration) uint8 {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		u := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		if u > 9 {
			return 1
		}
		return 0xF0 + uint8(u)
	case d <= 0x7F*time.Millisecond:
		ms := (d + time.Millisecond - 1) / time.Millisecond
		return uint8(ms)
	default:
		return 0x7F
	}
}
