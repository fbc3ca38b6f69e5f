package circuit

import (
	"errors"
	"fmt"
)

var (
	// ErrRouterNotFound is matched by every *RouterNotFoundError.
	ErrRouterNotFound = errors.New("router not found")

	// ErrNoRouters is returned when a wildcard selector has nothing to draw
	// from.
	ErrNoRouters = errors.New("no routers available for wildcard")
)

// RouterNotFoundError is returned when a hop selector cannot be resolved.
// The build is aborted before any command reaches Tor.
type RouterNotFoundError struct {
	Name     string
	Position int
}

// Error implements error.
func (e *RouterNotFoundError) Error() string {
	return fmt.Sprintf("couldn't find router %q (hop %d)", e.Name, e.Position+1)
}

// Is reports ErrRouterNotFound as a match.
func (e *RouterNotFoundError) Is(target error) bool {
	return target == ErrRouterNotFound
}
