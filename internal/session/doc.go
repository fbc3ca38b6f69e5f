// Package session ties one control connection to the orchestration
// components: the event loop, the bus, the tracked state, the correlator,
// the circuit builder, teardown, stream attachment and bandwidth.
//
// Events read from the connection are queued on the event loop and
// published there, so every component sees them in wire order and no
// component needs a lock. Losing the connection fails every pending
// operation with control.ErrConnectionLost and ends the session.
package session
