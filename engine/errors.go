package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind    = errors.New("unknown kind")
	ErrDuplicateKind  = errors.New("kind already registered")
	ErrNilIdentity    = errors.New("identity must not be nil")
	ErrNoFetcher      = errors.New("kind has no fetcher")
	ErrCacheMiss      = errors.New("no valid cached value")
	ErrNotOptimizable = errors.New("kind has no optimizer")
	ErrRetryBackoff   = errors.New("live fetch is backing off after a failure")
	ErrClosed         = errors.New("manager closed")
)

// FetchError reports a failed live fetch.
type FetchError struct {
	Kind     string
	Identity string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Kind, e.Identity, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError reports bytes that could not be turned into a value. Loader is
// "cache" or "live".
type DecodeError struct {
	Kind     string
	Identity string
	Loader   string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s from %s: %v", e.Kind, e.Identity, e.Loader, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errNilValue = errors.New("decoder returned no value")
	errNoBytes  = errors.New("fetcher returned no data")
)
