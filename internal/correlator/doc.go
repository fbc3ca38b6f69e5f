// Package correlator matches control commands to the asynchronous events
// that finish them.
//
// Tor answers a command such as CLOSECIRCUIT twice: once synchronously with
// an acknowledgement, and later with a CIRC CLOSED event. The two arrive on
// independent paths and in either order. An Operation is a single-assignment
// cell that resolves exactly once, from whichever of the two settles it
// first:
//
//   - a matching terminal event resolves it with the event's outcome;
//   - an error reply resolves it FAILED, unless the terminal event was
//     already seen;
//   - a successful reply only marks it acknowledged.
//
// The registry of pending operations lives on the event loop. The
// correlator never times out on its own; a caller gives up by cancelling
// the context passed to Await.
package correlator
