// Copyright 2015 Daniel Pupius

package rcache

import (
	"fmt"

	"github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
)

const (
	// CodeLoadFailed is a load that exhausted every tier.
	CodeLoadFailed errors.ErrorCode = "LOAD_FAILED"
	// CodeFetchFailed is a source fetch that returned an error.
	CodeFetchFailed errors.ErrorCode = "FETCH_FAILED"
	// CodeDecodeFailed is data that no decoder could turn into a resource.
	CodeDecodeFailed errors.ErrorCode = "DECODE_FAILED"
	// CodeCallbackFailed is a panic raised by a caller's callback, as opposed
	// to a failure inside the engine.
	CodeCallbackFailed errors.ErrorCode = "CALLBACK_FAILED"
	// CodeCancelled is a load abandoned because nobody wanted it any more.
	CodeCancelled errors.ErrorCode = "CANCELLED"
)

var (
	ErrCancelled = errors.New(CodeCancelled, "load was cancelled")

	// ErrNotCached is reported for loads restricted to cache tiers that found
	// nothing.
	ErrNotCached = errors.New(errors.CodeNotFound, "resource is not cached and source loads are disabled")

	ErrShutdown = errors.New(errors.CodeUnavailable, "engine has been shut down")
)

// CallbackError wraps a panic raised by a Callback.
type CallbackError struct {
	errors.PlatformError
	// Recovered is the value passed to panic.
	Recovered any
}

func newCallbackError(recovered any) *CallbackError {
	cause, ok := recovered.(error)
	if !ok {
		cause = fmt.Errorf("%v", recovered)
	}
	return &CallbackError{
		PlatformError: errors.Wrap(cause, CodeCallbackFailed, "unexpected panic in callback"),
		Recovered:     recovered,
	}
}

// loadFailed combines the causes collected by a pipeline into the error
// delivered to every waiter.
func loadFailed(key EngineKey, causes error) error {
	err := errors.New(CodeLoadFailed, "failed to load resource")
	if causes != nil {
		err = errors.Wrap(causes, CodeLoadFailed, "failed to load resource")
	}
	return errors.WithContext(err, "key", key.String())
}

// Causes returns the individual stage failures that made up a load failure.
func Causes(err error) []error {
	var pe errors.PlatformError
	if !errors.As(err, &pe) || pe.Unwrap() == nil {
		return nil
	}
	return multierr.Errors(pe.Unwrap())
}

// contractViolation is raised, via panic, when the lifecycle of a Handle or
// job is misused.
func contractViolation(format string, args ...any) error {
	return errors.Newf(errors.CodeInternal, format, args...)
}
