package canid

// Class is the routing classification of an identifier. Every decodable
// identifier falls into exactly one class.
type Class uint8

const (
	// ClassUnknown covers identifiers with the reserved type tag.
	ClassUnknown Class = iota

	// ClassChannel is a request/response frame between two nodes.
	ClassChannel

	// ClassReport is a broadcast data report.
	ClassReport

	// ClassControl is a broadcast control frame. Control frames share
	// the report type tag but use priorities below PrioNetworkMgmt.
	ClassControl

	// ClassNetwork is an address claim or discovery frame.
	ClassNetwork
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassChannel:
		return "CHANNEL"
	case ClassReport:
		return "REPORT"
	case ClassControl:
		return "CONTROL"
	case ClassNetwork:
		return "NETWORK"
	default:
		return "UNKNOWN"
	}
}

// Class classifies the identifier. The function is total: reserved type
// tags map to ClassUnknown rather than an error.
func (id Identifier) Class() Class {
	switch id.Type {
	case TypeChannel:
		return ClassChannel
	case TypeReport:
		if id.Priority < PrioNetworkMgmt {
			return ClassControl
		}
		return ClassReport
	case TypeNetwork:
		return ClassNetwork
	default:
		return ClassUnknown
	}
}
