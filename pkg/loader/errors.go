package loader

import (
	"errors"
	"fmt"
)

// Common errors returned by the loader.
var (
	// ErrNoURL is returned when a loader is configured without a data
	// service URL.
	ErrNoURL = errors.New("loader: url is required")

	// ErrNoProcessor is returned when a loader is configured without a
	// processor.
	ErrNoProcessor = errors.New("loader: processor is required")
)

// StatusError reports a non-2xx response from the data service.
type StatusError struct {
	StatusCode int
	Status     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("data service error (status %d): %s", e.StatusCode, e.Status)
}
