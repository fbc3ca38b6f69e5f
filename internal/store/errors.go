package store

import "errors"

// ErrNoDatabase is returned by Open when the database must already exist
// but does not.
var ErrNoDatabase = errors.New("history database not found")
