// Package registration sequences validation, verification and route
// installation for a requested domain and shapes the outward result.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coredns "github.com/workzone/hostgate/internal/core/dns"
	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/shell/store"
	"github.com/workzone/hostgate/internal/shell/verifier"
	"github.com/workzone/hostgate/internal/shell/workers"
)

// ErrUnknownDomain is returned by Status for a domain with no challenge,
// poll or registration.
var ErrUnknownDomain = errors.New("unknown domain")

// Outcome statuses.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusExpired = "expired"
	StatusFailed  = "failed"
)

// Outcome is the outward-facing result of a registration request.
type Outcome struct {
	Status       string                `json:"status"`
	Method       string                `json:"method,omitempty"`
	Domain       string                `json:"domain,omitempty"`
	Verification *coredns.Instructions `json:"verification,omitempty"`
	Reason       string                `json:"reason,omitempty"`
}

// Verifier runs the decision chain.
type Verifier interface {
	Verify(ctx context.Context, d domain.Domain) (domain.Result, error)
	Check(ctx context.Context, d domain.Domain) (domain.Result, error)
	Discard(ctx context.Context, d domain.Domain) error
}

// Router installs and removes route rules.
type Router interface {
	Register(ctx context.Context, verified domain.Result) error
	Unregister(ctx context.Context, d domain.Domain) error
}

// Poller watches pending challenges in the background.
type Poller interface {
	Start(c domain.Challenge) error
	Status(name string) (workers.PollStatus, bool)
	Cancel(name string) bool
}

// Records persists registration outcomes.
type Records interface {
	GetRegistration(ctx context.Context, name string) (*domain.Registration, error)
	UpsertRegistration(ctx context.Context, registration *domain.Registration) error
	DeleteRegistration(ctx context.Context, name string) error
	ListRegistrations(ctx context.Context, opts store.ListOptions) ([]domain.Registration, error)
}

// Orchestrator is the only component that sees raw input.
type Orchestrator struct {
	verifier Verifier
	router   Router
	poller   Poller
	records  Records
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an orchestrator. poller may be nil, in which case pending
// challenges are only re-checked by Status and Register calls.
func New(v Verifier, r Router, p Poller, records Records, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		verifier: v,
		router:   r,
		poller:   p,
		records:  records,
		logger:   logger.With("component", "orchestrator"),
		now:      time.Now,
	}
}

// =============================================================================
// Operations
// =============================================================================

// Register validates raw, runs the decision chain and, on a Verified result,
// installs the route. A Pending result starts a background poll. A domain
// with a registration record is already verified, so its route is
// re-applied without issuing a new challenge.
func (o *Orchestrator) Register(ctx context.Context, raw string) (Outcome, error) {
	d, err := domain.ParseDomain(raw)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}, err
	}

	reg, err := o.registration(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	if reg != nil {
		o.cancelPoll(d)
		if err := o.verifier.Discard(ctx, d); err != nil {
			o.logger.Warn("failed to discard stale challenge", "domain", d.String(), "error", err)
		}
		o.logger.Debug("domain already registered", "domain", d.String(), "status", reg.Status)
		return o.route(ctx, domain.Verified(d, reg.Strategy))
	}

	result, err := o.verifier.Verify(ctx, d)
	if err != nil {
		return Outcome{}, fmt.Errorf("verify %s: %w", d, err)
	}

	switch {
	case result.IsVerified():
		o.cancelPoll(d)
		return o.route(ctx, result)
	case result.IsPending():
		o.startPoll(*result.Challenge)
		return pendingOutcome(result), nil
	default:
		return rejectedOutcome(result), nil
	}
}

// Status reports where raw stands. A registration record answers first.
// Otherwise a live challenge is checked once, and a token found here
// completes the registration like a background poll would.
func (o *Orchestrator) Status(ctx context.Context, raw string) (Outcome, error) {
	d, err := domain.ParseDomain(raw)
	if err != nil {
		return Outcome{Status: StatusFailed, Reason: err.Error()}, err
	}

	reg, err := o.registration(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	if reg != nil {
		return registrationOutcome(reg), nil
	}

	result, err := o.verifier.Check(ctx, d)
	if err != nil {
		return Outcome{}, fmt.Errorf("check %s: %w", d, err)
	}

	switch {
	case result.IsVerified():
		o.cancelPoll(d)
		return o.route(ctx, result)
	case result.IsPending():
		return pendingOutcome(result), nil
	case errors.Is(result.Reason, domain.ErrChallengeExpired):
		return rejectedOutcome(result), nil
	}

	if o.poller != nil {
		if s, ok := o.poller.Status(d.String()); ok && s.State == workers.PollExpired {
			return Outcome{Status: StatusExpired, Domain: d.String(), Reason: domain.ErrChallengeExpired.Error()}, nil
		}
	}
	return Outcome{}, fmt.Errorf("%s: %w", d, ErrUnknownDomain)
}

// Cancel stops the poll for raw and discards its challenge.
func (o *Orchestrator) Cancel(ctx context.Context, raw string) error {
	d, err := domain.ParseDomain(raw)
	if err != nil {
		return err
	}

	o.cancelPoll(d)
	if err := o.verifier.Discard(ctx, d); err != nil {
		return err
	}
	o.logger.Info("challenge cancelled", "domain", d.String(), "status", workers.PollCancelled)
	return nil
}

// Remove cancels any pending challenge, removes the route and forgets the
// registration. The record is kept when the proxy refuses the removal.
func (o *Orchestrator) Remove(ctx context.Context, raw string) error {
	d, err := domain.ParseDomain(raw)
	if err != nil {
		return err
	}

	if err := o.Cancel(ctx, d.String()); err != nil {
		return err
	}
	if err := o.router.Unregister(ctx, d); err != nil {
		o.logger.Error("failed to remove route", "domain", d.String(), "error", err)
		return err
	}
	if err := o.records.DeleteRegistration(ctx, d.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete registration %s: %w", d, err)
	}

	o.logger.Info("domain removed", "domain", d.String())
	return nil
}

// List returns stored registrations.
func (o *Orchestrator) List(ctx context.Context, opts store.ListOptions) ([]domain.Registration, error) {
	return o.records.ListRegistrations(ctx, opts.Normalize())
}

// OnVerified is the poller callback. It installs the route for a token
// observed in the background.
func (o *Orchestrator) OnVerified(ctx context.Context, result domain.Result) {
	if _, err := o.route(ctx, result); err != nil {
		o.logger.Error("background registration failed", "domain", result.Domain.String(), "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// route installs the rule for one verification event and records the
// attempt. A proxy error is returned, never swallowed.
func (o *Orchestrator) route(ctx context.Context, result domain.Result) (Outcome, error) {
	routeErr := o.router.Register(ctx, result)

	reg := domain.NewRegistration(result, routeErr, o.now())
	if err := o.records.UpsertRegistration(ctx, &reg); err != nil {
		o.logger.Error("failed to record registration", "domain", reg.Domain, "error", err)
		if routeErr == nil {
			return Outcome{}, fmt.Errorf("record registration %s: %w", reg.Domain, err)
		}
	}

	if routeErr != nil {
		o.logger.Error("route registration failed",
			"domain", reg.Domain,
			"strategy", result.Strategy,
			"status", reg.Status,
			"error", routeErr,
		)
		return Outcome{Status: StatusFailed, Domain: reg.Domain, Reason: routeErr.Error()}, routeErr
	}

	o.logger.Info("domain registered", "domain", reg.Domain, "strategy", result.Strategy, "status", reg.Status)
	return Outcome{Status: StatusOK, Method: result.Strategy.Method(), Domain: reg.Domain}, nil
}

// registration returns the stored record for d, or nil.
func (o *Orchestrator) registration(ctx context.Context, d domain.Domain) (*domain.Registration, error) {
	reg, err := o.records.GetRegistration(ctx, d.String())
	switch {
	case err == nil:
		return reg, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("get registration %s: %w", d, err)
	}
}

func (o *Orchestrator) startPoll(c domain.Challenge) {
	if o.poller == nil {
		return
	}
	if err := o.poller.Start(c); err != nil {
		o.logger.Warn("failed to start challenge poll", "domain", c.Domain, "error", err)
	}
}

func (o *Orchestrator) cancelPoll(d domain.Domain) {
	if o.poller != nil {
		o.poller.Cancel(d.String())
	}
}

func pendingOutcome(r domain.Result) Outcome {
	instructions := coredns.ChallengeInstructions(*r.Challenge)
	return Outcome{
		Status:       StatusPending,
		Method:       r.Strategy.Method(),
		Domain:       r.Domain.String(),
		Verification: &instructions,
	}
}

func rejectedOutcome(r domain.Result) Outcome {
	status := StatusFailed
	if errors.Is(r.Reason, domain.ErrChallengeExpired) {
		status = StatusExpired
	}
	o := Outcome{Status: status, Domain: r.Domain.String()}
	if r.Reason != nil {
		o.Reason = r.Reason.Error()
	}
	return o
}

func registrationOutcome(reg *domain.Registration) Outcome {
	if reg.Status == domain.RegistrationRouteFailed {
		return Outcome{Status: StatusFailed, Domain: reg.Domain, Method: reg.Strategy.Method(), Reason: reg.LastError}
	}
	return Outcome{Status: StatusOK, Domain: reg.Domain, Method: reg.Strategy.Method()}
}

var _ Verifier = (*verifier.Engine)(nil)
