// Package teardown closes circuits and streams and waits for Tor to confirm
// it.
//
// A teardown succeeds when the CLOSED (or FAILED) event for its target
// arrives, even if that event beats the command's own reply. A target
// that is not tracked when the call starts fails with ErrNotFound and
// nothing is sent to Tor.
package teardown
