// Package eventloop provides the single goroutine that owns all
// orchestration state.
//
// Every mutation of tracked circuits, pending operations and bandwidth
// windows is funneled through Loop.Submit or Loop.Do, so none of that state
// needs a lock. Tasks run one at a time in submission order. A task must not
// wait on anything that itself needs the loop (a control command whose reply
// is delivered through the loop, or a nested Do), otherwise the loop
// deadlocks.
package eventloop
