package teardown

import "errors"

// ErrNotFound is returned when the circuit or stream to tear down is not
// known.
var ErrNotFound = errors.New("target not found")
