// Package control is the boundary between onionctl and a Tor control port.
//
// It provides three things:
//   - Event: a parsed asynchronous notification (CIRC, STREAM, BW,
//     STREAM_BW, or any other category kept as raw text)
//   - Bus: a fan-out registry that delivers events to listeners by category
//   - Commander: the synchronous command primitives the orchestration layer
//     needs (build/close circuits, close/attach streams, GETINFO, ...)
//
// Conn implements Commander on top of a real control connection using
// net/textproto. It owns exactly one reader goroutine: replies are matched to
// issued commands in FIFO order and asynchronous 650 events are handed to an
// EventHandler in the order Tor emitted them.
//
// Design decision: The Bus is not safe for concurrent use. It is meant to be
// driven from a single event loop (see package eventloop) so that every
// listener observes events for a given ID in wire order without locking.
package control
