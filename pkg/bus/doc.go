// Package bus abstracts the CAN bus a node is attached to.
//
// The protocol layers above only need three operations: send a frame,
// block for the next frame, close. Backends implement the Bus
// interface; the socketcan subpackage binds to Linux SocketCAN and
// MemBus provides an in-process bus for tests and demos.
//
// Frames use value semantics. A frame handed to Send or returned from
// Receive is owned by the caller and never aliased by the bus.
package bus
