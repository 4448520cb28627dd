// Package netmgmt implements dynamic node address claiming.
//
// A node joins the bus anonymously and probes candidate addresses with
// discovery frames until one stays unchallenged for the probe window:
//
//	IDLE --StartClaim--> PROBING --Commit--> CLAIMED
//	                     |     ^                |
//	                     |     +--- conflict ---+
//	                     |
//	                     +-- all candidates tried --> FAILED
//
// A conflict during the probe window moves the claimer to the next free
// candidate and restarts the window. A conflict against an already
// claimed address sends the claimer back to probing. When every
// assignable address has been challenged the claim fails and the node
// stays anonymous until Reset.
//
// Claim announcements carry an 8-byte EUI payload so two nodes claiming
// the same address at the same time can tie-break without a third
// party: the lower EUI keeps the address, the other re-probes.
package netmgmt
