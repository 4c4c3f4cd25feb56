package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrMissingActor occurs when a request carries no organization scope.
	ErrMissingActor = errors.New("organization scope missing")
)
