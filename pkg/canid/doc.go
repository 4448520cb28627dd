// Package canid encodes and decodes 29-bit ThingSet CAN identifiers.
//
// ThingSet multiplexes all of its traffic onto CAN extended (29-bit)
// identifiers. The identifier carries the frame's priority, its message
// type and the addressing information, so a node can classify and route
// a frame without touching the payload.
//
// # Identifier Layout
//
//	┌────────┬───────┬───────────────┬───────────────┬───────────────┐
//	│ 28..26 │ 25..24│    23..16     │     15..8     │      7..0     │
//	├────────┼───────┼───────────────┼───────────────┼───────────────┤
//	│  prio  │ type  │ bus ID        │ target addr   │ source addr   │  channel
//	│  prio  │ type  │ data ID high  │ data ID low   │ source addr   │  report / control
//	│  prio  │ type  │ variable byte │ target addr   │ source addr   │  network mgmt
//	└────────┴───────┴───────────────┴───────────────┴───────────────┘
//
// The source address occupies the low byte of every frame. Bits 23..16
// change meaning with the message type: channel frames carry the bus
// number there, reports the high byte of the 16-bit data ID, and network
// management frames either a random discovery byte or the bus number of
// an address claim.
//
// # Message Classes
//
// The two type bits distinguish channel (0x0), report (0x2) and network
// management (0x3) frames; tag 0x1 is reserved. Report and control
// frames share tag 0x2 and are told apart by priority: priorities below
// 4 are control frames, 4 and above are reports.
package canid
