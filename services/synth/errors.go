package synth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured reports a missing backend URL or key. It is never retried.
	ErrNotConfigured = errors.New("synthesis backend not configured")
	// ErrMalformedResponse reports a success response without extractable text.
	ErrMalformedResponse = errors.New("malformed synthesis response")
)

// ErrorKind classifies why a synthesis call failed.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindTransport     ErrorKind = "transport"
	KindStatus        ErrorKind = "status"
	KindMalformed     ErrorKind = "malformed_response"
)

// Error is returned for every failed synthesis. StatusCode and Body are set for KindStatus.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("synthesis request failed: %d %s", e.StatusCode, e.Body)
	case KindConfiguration:
		return fmt.Sprintf("synthesis configuration error: %v", e.Err)
	default:
		return fmt.Sprintf("synthesis %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }
