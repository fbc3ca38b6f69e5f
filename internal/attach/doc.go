// Package attach decides which circuit each new stream uses.
//
// With __LeaveStreamsUnattached set, Tor leaves every new stream waiting
// for the controller. The Engine hands each one to a Policy, synchronously
// on the event loop, and issues ATTACHSTREAM for the chosen circuit off the
// loop. A stream the policy declines is left alone and Tor eventually fails
// it; the session is not affected.
//
// Two policies are provided. Pinned sends everything through one circuit
// and fails closed once that circuit is gone. PerProcess gives every local
// process its own circuit and reports ErrExhausted when it runs out.
package attach
