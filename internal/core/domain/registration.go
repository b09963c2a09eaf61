package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Route Rule
// =============================================================================

// RouteTargets are the upstream dial addresses a routed domain forwards to.
type RouteTargets struct {
	APIPath          string
	APIUpstream      string
	FrontendUpstream string
}

// RouteRule is a host match with an API sub-route and a catch-all sub-route.
type RouteRule struct {
	Host             string
	APIPath          string
	APIUpstream      string
	FrontendUpstream string
	Terminal         bool
}

// NewRouteRule builds the rule for a verified domain. It refuses anything
// that is not a Verified result.
func NewRouteRule(r Result, targets RouteTargets) (RouteRule, error) {
	if !r.IsVerified() || r.Domain.IsZero() {
		return RouteRule{}, ErrNotVerified
	}
	return RouteRule{
		Host:             r.Domain.String(),
		APIPath:          targets.APIPath,
		APIUpstream:      targets.APIUpstream,
		FrontendUpstream: targets.FrontendUpstream,
		Terminal:         true,
	}, nil
}

// =============================================================================
// Registration
// =============================================================================

type RegistrationStatus string

const (
	RegistrationRouted      RegistrationStatus = "routed"
	RegistrationRouteFailed RegistrationStatus = "route_failed"
)

// Registration records the last route attempt for a verified domain.
type Registration struct {
	ID         string             `json:"id" db:"id"`
	Domain     string             `json:"domain" db:"domain"`
	Strategy   Strategy           `json:"strategy" db:"strategy"`
	Status     RegistrationStatus `json:"status" db:"status"`
	LastError  string             `json:"last_error,omitempty" db:"last_error"`
	VerifiedAt time.Time          `json:"verified_at" db:"verified_at"`
	UpdatedAt  time.Time          `json:"updated_at" db:"updated_at"`
}

// NewRegistration records a route attempt for a verified result. A nil
// routeErr means the rule was installed.
func NewRegistration(r Result, routeErr error, now time.Time) Registration {
	now = now.UTC()
	reg := Registration{
		ID:         uuid.New().String(),
		Domain:     r.Domain.String(),
		Strategy:   r.Strategy,
		Status:     RegistrationRouted,
		VerifiedAt: now,
		UpdatedAt:  now,
	}
	if routeErr != nil {
		reg.Status = RegistrationRouteFailed
		reg.LastError = routeErr.Error()
	}
	return reg
}
