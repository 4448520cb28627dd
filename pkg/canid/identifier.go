package canid

import (
	"errors"
	"fmt"
)

// ErrInvalidField indicates an identifier field outside its encodable range.
var ErrInvalidField = errors.New("identifier field out of range")

// Address is an 8-bit ThingSet node address.
type Address uint8

const (
	// AddrMax is the highest assignable node address.
	AddrMax Address = 0xFD

	// AddrAnonymous is used as source by nodes that have not yet
	// claimed an address.
	AddrAnonymous Address = 0xFE

	// AddrBroadcast addresses all nodes on the bus.
	AddrBroadcast Address = 0xFF
)

// Assignable returns true if the address can be claimed by a node.
func (a Address) Assignable() bool {
	return a <= AddrMax
}

// String returns the address in hex, or the sentinel name.
func (a Address) String() string {
	switch a {
	case AddrAnonymous:
		return "ANONYMOUS"
	case AddrBroadcast:
		return "BROADCAST"
	default:
		return fmt.Sprintf("0x%02X", uint8(a))
	}
}

// DefaultBusID is the bus number used when none is configured.
// 218 (0xDA) is the ISO 15765-2 normal fixed addressing N_TAtype for
// physical addressing, so channel frames coexist with ISO-TP tooling.
const DefaultBusID uint8 = 0xDA

// Priority is the 3-bit arbitration priority of a frame. Lower values
// win bus arbitration.
type Priority uint8

const (
	// PrioControlEmergency is reserved for emergency control frames.
	PrioControlEmergency Priority = 0

	// PrioControlHigh is used for high-priority control frames.
	PrioControlHigh Priority = 2

	// PrioControlLow is used for low-priority control frames.
	PrioControlLow Priority = 3

	// PrioNetworkMgmt is used for address claim and discovery frames.
	PrioNetworkMgmt Priority = 4

	// PrioReportHigh is used for high-priority reports.
	PrioReportHigh Priority = 5

	// PrioChannel is used for request/response channel frames.
	PrioChannel Priority = 6

	// PrioReportLow is used for low-priority reports.
	PrioReportLow Priority = 7
)

// String returns the priority band name.
func (p Priority) String() string {
	switch p {
	case PrioControlEmergency:
		return "CONTROL_EMERGENCY"
	case PrioControlHigh:
		return "CONTROL_HIGH"
	case PrioControlLow:
		return "CONTROL_LOW"
	case PrioNetworkMgmt:
		return "NETWORK_MGMT"
	case PrioReportHigh:
		return "REPORT_HIGH"
	case PrioChannel:
		return "CHANNEL"
	case PrioReportLow:
		return "REPORT_LOW"
	default:
		return fmt.Sprintf("PRIO(%d)", uint8(p))
	}
}

// Type is the 2-bit message type tag of a frame.
type Type uint8

const (
	// TypeChannel tags request/response frames exchanged over an
	// ISO-TP channel between two nodes.
	TypeChannel Type = 0x0

	// TypeReport tags single-frame report and control messages.
	// The two are distinguished by priority, see Class.
	TypeReport Type = 0x2

	// TypeNetwork tags network management frames (address claims
	// and discovery).
	TypeNetwork Type = 0x3
)

// String returns the type tag name. Tag 0x1 is reserved.
func (t Type) String() string {
	switch t {
	case TypeChannel:
		return "CHANNEL"
	case TypeReport:
		return "REPORT"
	case TypeNetwork:
		return "NETWORK"
	default:
		return fmt.Sprintf("RESERVED(%d)", uint8(t))
	}
}

// Bit positions and masks within the 29-bit identifier.
const (
	sourcePos   = 0
	targetPos   = 8
	variablePos = 16
	typePos     = 24
	prioPos     = 26

	sourceMask   = uint32(0xFF) << sourcePos
	targetMask   = uint32(0xFF) << targetPos
	variableMask = uint32(0xFF) << variablePos
	typeMask     = uint32(0x3) << typePos
	prioMask     = uint32(0x7) << prioPos
)

// MaxRaw is the largest raw value representable in 29 bits.
const MaxRaw uint32 = 0x1FFFFFFF

// Identifier is a decoded 29-bit ThingSet CAN identifier.
//
// Variable and Target are positional: their meaning depends on Type.
// For channel frames Variable is the bus ID and Target the destination
// address. For reports the two together form the 16-bit data ID. For
// network management frames Variable carries a random discovery byte or
// the bus ID of a claim. Use the typed constructors and accessors
// rather than filling fields by hand.
type Identifier struct {
	Priority Priority
	Type     Type
	Variable uint8
	Target   Address
	Source   Address
}

// NewChannel builds a request/response channel identifier.
func NewChannel(prio Priority, busID uint8, target, source Address) Identifier {
	return Identifier{
		Priority: prio,
		Type:     TypeChannel,
		Variable: busID,
		Target:   target,
		Source:   source,
	}
}

// NewReport builds a report identifier carrying a 16-bit data ID.
func NewReport(prio Priority, dataID uint16, source Address) Identifier {
	return Identifier{
		Priority: prio,
		Type:     TypeReport,
		Variable: uint8(dataID >> 8),
		Target:   Address(dataID & 0xFF),
		Source:   source,
	}
}

// NewControl builds a control identifier. Control frames use the report
// type tag with a priority below PrioNetworkMgmt.
func NewControl(prio Priority, dataID uint16, source Address) Identifier {
	return NewReport(prio, dataID, source)
}

// NewClaim builds an address claim identifier. Claims are broadcast so
// every node sees which addresses are taken.
func NewClaim(busID uint8, source Address) Identifier {
	return Identifier{
		Priority: PrioNetworkMgmt,
		Type:     TypeNetwork,
		Variable: busID,
		Target:   AddrBroadcast,
		Source:   source,
	}
}

// NewDiscovery builds an address discovery identifier. The random byte
// lets the anonymous sender match responses to its own probe.
func NewDiscovery(random uint8, target, source Address) Identifier {
	return Identifier{
		Priority: PrioNetworkMgmt,
		Type:     TypeNetwork,
		Variable: random,
		Target:   target,
		Source:   source,
	}
}

// BusID returns the bus number of a channel or claim identifier.
func (id Identifier) BusID() uint8 {
	return id.Variable
}

// DataID returns the 16-bit data object ID of a report or control
// identifier.
func (id Identifier) DataID() uint16 {
	return uint16(id.Variable)<<8 | uint16(id.Target)
}

// Random returns the discovery random byte of a network management
// identifier.
func (id Identifier) Random() uint8 {
	return id.Variable
}

// AddressedTo returns true if the identifier targets addr directly or
// via broadcast. Only meaningful for channel and network management
// frames, where bits 15..8 are a target address.
func (id Identifier) AddressedTo(addr Address) bool {
	return id.Target == addr || id.Target == AddrBroadcast
}

// String renders the identifier for diagnostics.
func (id Identifier) String() string {
	switch id.Class() {
	case ClassChannel:
		return fmt.Sprintf("CHANNEL bus=0x%02X %s->%s prio=%d",
			id.BusID(), id.Source, id.Target, id.Priority)
	case ClassReport, ClassControl:
		return fmt.Sprintf("%s data=0x%04X src=%s prio=%d",
			id.Class(), id.DataID(), id.Source, id.Priority)
	case ClassNetwork:
		return fmt.Sprintf("NETWORK var=0x%02X %s->%s",
			id.Variable, id.Source, id.Target)
	default:
		return fmt.Sprintf("UNKNOWN type=%d src=%s", id.Type, id.Source)
	}
}

// Encode packs the identifier into its 29-bit wire representation.
// Fields outside their encodable range yield ErrInvalidField.
func Encode(id Identifier) (uint32, error) {
	if id.Priority > 7 {
		return 0, fmt.Errorf("priority %d: %w", id.Priority, ErrInvalidField)
	}
	if id.Type > 3 {
		return 0, fmt.Errorf("type tag %d: %w", id.Type, ErrInvalidField)
	}
	raw := uint32(id.Priority)<<prioPos |
		uint32(id.Type)<<typePos |
		uint32(id.Variable)<<variablePos |
		uint32(id.Target)<<targetPos |
		uint32(id.Source)<<sourcePos
	return raw, nil
}

// Decode unpacks a raw 29-bit identifier. Values above MaxRaw yield
// ErrInvalidField.
func Decode(raw uint32) (Identifier, error) {
	if raw > MaxRaw {
		return Identifier{}, fmt.Errorf("raw identifier 0x%X exceeds 29 bits: %w", raw, ErrInvalidField)
	}
	return Identifier{
		Priority: Priority((raw & prioMask) >> prioPos),
		Type:     Type((raw & typeMask) >> typePos),
		Variable: uint8((raw & variableMask) >> variablePos),
		Target:   Address((raw & targetMask) >> targetPos),
		Source:   Address((raw & sourceMask) >> sourcePos),
	}, nil
}
