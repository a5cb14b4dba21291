package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidJSON  = errors.New("llm: invalid JSON from model")
	ErrEmptyOutput  = errors.New("llm: empty model output")
	ErrUnknownKind  = errors.New("llm: unknown request kind")
	ErrNotScripted  = errors.New("llm: no scripted response")
	ErrRateLimited  = errors.New("llm: rate limited")
	ErrUnauthorized = errors.New("llm: unauthorized")
)

// TransientError marks a failure that may succeed on retry: timeouts, rate
// limits and upstream 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Classify wraps an untyped error. Deadline expiry is transient; explicit
// caller cancellation and anything unrecognised are permanent.
func Classify(err error) error {
	if err == nil || IsTransient(err) || IsPermanent(err) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrRateLimited):
		return &TransientError{Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &PermanentError{Err: fmt.Errorf("completion: %w", err)}
	}
}
