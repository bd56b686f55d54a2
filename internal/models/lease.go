package models

import (
	"fmt"
	"time"
)

// Outcome is what a lease holder reports on release
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeRateLimited Outcome = "rateLimited"
)

// IsValid reports whether o is a known outcome
func (o Outcome) IsValid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure || o == OutcomeRateLimited
}

// PolicyKind selects how an account is picked from the pool
type PolicyKind string

const (
	PolicyRotation PolicyKind = "rotation"
	PolicySpecific PolicyKind = "specific"
)

// Policy is a selection request. Specific never falls back to rotation.
type Policy struct {
	Kind      PolicyKind
	AccountID string
}

// Rotation selects the least-loaded eligible account
func Rotation() Policy {
	return Policy{Kind: PolicyRotation}
}

// Specific selects the named account only
func Specific(accountID string) Policy {
	return Policy{Kind: PolicySpecific, AccountID: accountID}
}

func (p Policy) String() string {
	if p.Kind == PolicySpecific {
		return fmt.Sprintf("specific(%s)", p.AccountID)
	}
	return string(p.Kind)
}

// Lease is an exclusive in-memory claim on one account by one job. Never persisted.
type Lease struct {
	AccountID   string    `json:"account_id"`
	HolderJobID string    `json:"holder_job_id"`
	Token       string    `json:"token"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// AccountHandle is what a scraper receives: the session material plus an
// opaque release token.
type AccountHandle struct {
	AccountID   string           `json:"account_id"`
	DisplayName string           `json:"display_name"`
	BaseURL     string           `json:"base_url"`
	UserAgent   string           `json:"user_agent"`
	Cookies     []*SessionCookie `json:"cookies"`
	ProxyRef    string           `json:"proxy_ref,omitempty"`
	Token       string           `json:"token"`
	AcquiredAt  time.Time        `json:"acquired_at"`

	// PaceDelay is a random spacing within the account's min/max delay the
	// holder should keep between consecutive requests.
	PaceDelay time.Duration `json:"pace_delay"`
}
