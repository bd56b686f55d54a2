package pool

import (
	"errors"
	"fmt"
)

// ErrNoAccountAvailable is the expected "try again later" result of Acquire.
// It is not a fault: callers poll with their own backoff.
var ErrNoAccountAvailable = errors.New("no account available")

// ErrLeaseConflict means the allocator tried to reserve an account that is
// already leased. It indicates a broken invariant and is always logged.
var ErrLeaseConflict = errors.New("lease conflict")

// Reasons carried by NoAccountError
const (
	ReasonPaused         = "paused"
	ReasonExhausted      = "exhausted"
	ReasonNotEligible    = "not_eligible"
	ReasonUnknownAccount = "unknown_account"
)

// NoAccountError explains why Acquire found nothing. It matches
// ErrNoAccountAvailable with errors.Is.
type NoAccountError struct {
	Reason    string
	AccountID string
}

func (e *NoAccountError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("%s: %s (account %s)", ErrNoAccountAvailable, e.Reason, e.AccountID)
	}
	return fmt.Sprintf("%s: %s", ErrNoAccountAvailable, e.Reason)
}

func (e *NoAccountError) Unwrap() error {
	return ErrNoAccountAvailable
}

func noAccount(reason, accountID string) error {
	return &NoAccountError{Reason: reason, AccountID: accountID}
}
