// Package node orchestrates a ThingSet node's life on a CAN bus:
// address claiming, request/response exchanges, inbound request
// dispatch and periodic report publication.
//
// A Node glues three independent pieces of state to one transport. The
// claimer (pkg/netmgmt) owns the node address, the scheduler
// (pkg/schedule) owns publication timing, and the pending-request slot
// owns the single outstanding exchange. A second SendRequest while one
// is in flight fails with ErrTransportBusy rather than queueing.
//
// One goroutine drives inbound traffic by calling ProcessForever (or
// Receive in a loop). SendRequest may be called from other goroutines;
// its response is routed by the driving loop, so a node nobody drives
// can only time out. The usual lifecycle:
//
//	n, _ := node.New(node.Config{Transport: tp})
//	addr, err := n.Claim(ctx, 0x10)
//	// handle err, register handlers, enable publishing
//	go n.ProcessForever(ctx)
//	resp, err := n.SendRequest(ctx, 0x20, payload)
package node
