package gateway

import "errors"

// Sentinel errors returned by storage implementations. Handler-facing error
// kinds live in internal/apierr.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
