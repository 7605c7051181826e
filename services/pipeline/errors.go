package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotificationFailed matches every *NotificationFailure.
	ErrNotificationFailed = errors.New("notification failed")
)

// NotificationFailureMessage is reported to the submitter when the callback never accepted the
// notice.
const NotificationFailureMessage = "Failed to post to evaluation_url after retries"

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func missingField(name string) *ValidationError {
	return &ValidationError{Field: name, Reason: "Missing field: " + name}
}

// NotificationFailure means the artifact was published but the evaluator was never told.
type NotificationFailure struct {
	Attempts    int
	CallbackURL string
}

func (e *NotificationFailure) Error() string { return NotificationFailureMessage }

func (e *NotificationFailure) Is(target error) bool { return target == ErrNotificationFailed }

// Detail is the long form used in logs and events.
func (e *NotificationFailure) Detail() string {
	return fmt.Sprintf("%s (%d attempts to %s)", NotificationFailureMessage, e.Attempts, e.CallbackURL)
}
