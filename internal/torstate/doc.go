// Package torstate tracks Tor's circuits and streams as reported by CIRC and
// STREAM events.
//
// A State is owned by the event loop: every method must be called from the
// loop goroutine. Listeners register hook structs and are called
// synchronously while an event is applied, so they see transitions in the
// order Tor emitted them.
//
// Circuits and streams are forgotten once CLOSED. Their final sub-state is
// kept in a small LRU of recent terminal events so that an operation which
// starts after its target already finished can still be resolved.
package torstate
