// Package isotp segments and reassembles channel messages per
// ISO 15765-2 over classical CAN frames.
//
// Messages up to 7 bytes travel in a single frame. Longer messages are
// split into a first frame carrying the total length and consecutive
// frames paced by the receiver's flow control:
//
//	sender                          receiver
//	  | FirstFrame (len, 6 bytes)     |
//	  |------------------------------>|
//	  |        FlowControl (CTS, BS, STmin)
//	  |<------------------------------|
//	  | ConsecutiveFrame seq=1        |
//	  |------------------------------>|
//	  | ... BS frames, STmin apart    |
//	  |        FlowControl            |
//	  |<------------------------------|
//
// Transport binds the state machines to a bus attachment: a pump
// goroutine routes inbound frames to the reassembler, hands flow
// control to a waiting sender and delivers everything that is not a
// channel frame as-is. Broadcast channel messages are single frame
// only; there is no flow control to a broadcast target.
package isotp
