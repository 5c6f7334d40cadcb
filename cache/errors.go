package cache

import "errors"

var (
	// ErrNotFound is returned when a record is not present in the backend.
	ErrNotFound = errors.New("cache record not found")

	// ErrNoData is returned when a record would be written or read without a
	// payload.
	ErrNoData = errors.New("cache record has no data")

	// ErrNotConfigured is returned by providers used before they were opened.
	ErrNotConfigured = errors.New("storage is not configured")
)
