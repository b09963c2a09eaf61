package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Verification Strategy
// =============================================================================

// Strategy is the way ownership of a domain was (or is being) established.
type Strategy string

const (
	StrategyNone                Strategy = ""
	StrategyTrustedSuffix       Strategy = "trusted_suffix"
	StrategyAutomaticResolution Strategy = "automatic_resolution"
	StrategyManualChallenge     Strategy = "manual_challenge"
)

// Method returns the short method name reported to API callers.
func (s Strategy) Method() string {
	switch s {
	case StrategyTrustedSuffix:
		return "subdomain"
	case StrategyAutomaticResolution:
		return "a_record"
	case StrategyManualChallenge:
		return "txt"
	default:
		return ""
	}
}

// =============================================================================
// Challenge
// =============================================================================

// Challenge is a pending TXT challenge. At most one is live per domain.
type Challenge struct {
	ID         string    `json:"id" db:"id"`
	Domain     string    `json:"domain" db:"domain"`
	Token      string    `json:"token" db:"token"`
	RecordName string    `json:"record_name" db:"record_name"`
	IssuedAt   time.Time `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// NewChallenge creates a challenge for d that expires ttl after now.
func NewChallenge(d Domain, token, recordName string, now time.Time, ttl time.Duration) Challenge {
	now = now.UTC()
	return Challenge{
		ID:         uuid.New().String(),
		Domain:     d.String(),
		Token:      token,
		RecordName: recordName,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the challenge deadline has passed at now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// =============================================================================
// Verification Result
// =============================================================================

// Verdict tags a Result.
type Verdict string

const (
	VerdictVerified Verdict = "verified"
	VerdictPending  Verdict = "pending"
	VerdictRejected Verdict = "rejected"
)

// Result is the outcome of one verification attempt.
// Strategy is set for Verified, Challenge for Pending, Reason for Rejected.
type Result struct {
	Verdict   Verdict
	Domain    Domain
	Strategy  Strategy
	Challenge *Challenge
	Reason    error
}

// Verified builds a successful result.
func Verified(d Domain, s Strategy) Result {
	return Result{Verdict: VerdictVerified, Domain: d, Strategy: s}
}

// Pending builds a result awaiting a published TXT record.
func Pending(d Domain, c Challenge) Result {
	return Result{Verdict: VerdictPending, Domain: d, Strategy: StrategyManualChallenge, Challenge: &c}
}

// Rejected builds a failed result.
func Rejected(d Domain, reason error) Result {
	return Result{Verdict: VerdictRejected, Domain: d, Reason: reason}
}

func (r Result) IsVerified() bool { return r.Verdict == VerdictVerified }
func (r Result) IsPending() bool  { return r.Verdict == VerdictPending }
func (r Result) IsRejected() bool { return r.Verdict == VerdictRejected }
