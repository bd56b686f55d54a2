package validation

import (
	"errors"
	"fmt"

	"github.com/ternarybob/sessionpool/internal/models"
)

// ErrInvalidSession means the jar lacks mandatory tokens or the platform
// confirmed a logged-out session. Authoritative.
var ErrInvalidSession = errors.New("invalid session")

// ErrRateLimited means the platform answered with a block or challenge.
// Authoritative and severe.
var ErrRateLimited = errors.New("rate limited")

// ValidationError is an inconclusive failure (transport, timeout, server
// error). The check is retried later and never downgrades an account alone.
type ValidationError struct {
	Method models.ValidationMethod
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %v", e.Method, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func inconclusive(method models.ValidationMethod, format string, args ...interface{}) error {
	return &ValidationError{Method: method, Err: fmt.Errorf(format, args...)}
}

func invalidSession(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSession, fmt.Sprintf(format, args...))
}

func rateLimited(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRateLimited, fmt.Sprintf(format, args...))
}

// finish maps the outcome of a check onto the record's verdict
func finish(record *models.ValidationRecord, err error) *models.ValidationRecord {
	switch {
	case err == nil:
		record.Verdict = models.VerdictActive
	case errors.Is(err, ErrRateLimited):
		record.Verdict = models.VerdictError
		record.ChallengeDetected = true
		record.Error = err.Error()
	case errors.Is(err, ErrInvalidSession):
		record.Verdict = models.VerdictInvalid
		record.Error = err.Error()
	default:
		record.Verdict = models.VerdictError
		record.Error = err.Error()
	}
	return record
}
