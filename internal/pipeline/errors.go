package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/zumen-connect/drawing-worker/internal/store/model"
)

// TransientError marks a failure worth retrying: timeouts, collaborator
// unavailability, rate limits.
type TransientError struct {
	error
}

func NewTransientError(format string, args ...any) *TransientError {
	return &TransientError{fmt.Errorf(format, args...)}
}

func WrapTransient(err error) *TransientError {
	return &TransientError{err}
}

func (e *TransientError) Unwrap() error { return e.error }

// PermanentError marks a failure that retrying cannot fix: malformed input,
// unsupported format, validation failure.
type PermanentError struct {
	error
}

func NewPermanentError(format string, args ...any) *PermanentError {
	return &PermanentError{fmt.Errorf(format, args...)}
}

func WrapPermanent(err error) *PermanentError {
	return &PermanentError{err}
}

func (e *PermanentError) Unwrap() error { return e.error }

// Classify maps an executor error to a stage error class. Unclassified errors
// and deadline expiries count as transient so a crash-looking failure gets its
// retries before the stage is written off.
func Classify(err error) string {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return model.ErrorClassPermanent
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return model.ErrorClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorClassTransient
	}
	return model.ErrorClassTransient
}
