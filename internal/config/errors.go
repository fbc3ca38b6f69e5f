package config

import "errors"

// Configuration validation errors returned by Config.Validate.
var (
	// ErrNoControlAddress is returned when there is no control port to
	// connect to and no embedded daemon was requested.
	ErrNoControlAddress = errors.New("no control address: set --control or TOR_CONTROL_PORT")

	// ErrInvalidTimeout is returned when the command timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid command timeout: must be positive")

	// ErrInvalidStartupTimeout is returned when the embedded Tor startup
	// timeout is not positive.
	ErrInvalidStartupTimeout = errors.New("invalid tor startup timeout: must be positive")

	// ErrInvalidWindow is returned when a bandwidth window size is not
	// positive.
	ErrInvalidWindow = errors.New("invalid bandwidth window: max-live, roll-up and retention must be positive")

	// ErrConflictingAuth is returned when both a password and a cookie
	// file are configured.
	ErrConflictingAuth = errors.New("conflicting authentication: use either a password or a cookie file")

	// ErrNoDBDir is returned when history is enabled without a directory.
	ErrNoDBDir = errors.New("history enabled but no database directory set")

	// ErrConfigNotFound is returned when the configuration file does not
	// exist.
	ErrConfigNotFound = errors.New("configuration file not found")
)
