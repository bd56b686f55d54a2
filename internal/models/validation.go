package models

import "time"

// ValidationMethod identifies how a session health check was performed
type ValidationMethod string

const (
	ValidationMethodCookieJar ValidationMethod = "COOKIE_JAR"
	ValidationMethodHTTP      ValidationMethod = "HTTP"
	ValidationMethodBrowser   ValidationMethod = "BROWSER"
)

// ValidationMethodOrder is the preference order used when no method is pinned,
// cheapest first.
var ValidationMethodOrder = []ValidationMethod{
	ValidationMethodCookieJar,
	ValidationMethodHTTP,
	ValidationMethodBrowser,
}

// ValidationVerdict is the outcome of a health check
type ValidationVerdict string

const (
	VerdictActive  ValidationVerdict = "ACTIVE"
	VerdictInvalid ValidationVerdict = "INVALID"
	VerdictError   ValidationVerdict = "ERROR" // inconclusive on its own
)

// ValidationRecord is the append-only outcome of one validation. Written
// once, never mutated.
type ValidationRecord struct {
	ID                 string            `json:"id"`
	AccountID          string            `json:"account_id" badgerhold:"index"`
	Method             ValidationMethod  `json:"method"`
	Verdict            ValidationVerdict `json:"verdict"`
	AuthElementsFound  int               `json:"auth_elements_found"`
	LoginElementsFound int               `json:"login_elements_found"`
	FinalURL           string            `json:"final_url,omitempty"`
	ResponseCode       int               `json:"response_code,omitempty"`
	ElapsedMs          int64             `json:"elapsed_ms"`
	ChallengeDetected  bool              `json:"challenge_detected,omitempty"`
	Error              string            `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// IsFailure reports whether the record counts against the validation failure rate
func (r *ValidationRecord) IsFailure() bool {
	return r.Verdict != VerdictActive
}
