// Package workers contains background workers for hostgate.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workzone/hostgate/internal/core/domain"
)

// ErrPollerStopped is returned by Start after Stop has been called.
var ErrPollerStopped = errors.New("challenge poller stopped")

// Checker performs one TXT check of a domain's pending challenge.
type Checker interface {
	Check(ctx context.Context, d domain.Domain) (domain.Result, error)
}

// ChallengeLister lists the stored challenges to resume on startup.
type ChallengeLister interface {
	ListChallenges(ctx context.Context) ([]domain.Challenge, error)
}

// VerifiedFunc is called once when a poll observes a published token.
type VerifiedFunc func(ctx context.Context, result domain.Result)

// PollState is the lifecycle state of one poll task.
type PollState string

const (
	PollRunning   PollState = "running"
	PollVerified  PollState = "verified"
	PollExpired   PollState = "expired"
	PollCancelled PollState = "cancelled"
)

// PollStatus is a snapshot of a poll task.
type PollStatus struct {
	Domain        string    `json:"domain"`
	State         PollState `json:"state"`
	Checks        int       `json:"checks"`
	StartedAt     time.Time `json:"started_at"`
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// ChallengePollerConfig configures the challenge poller.
type ChallengePollerConfig struct {
	// Interval is the time between TXT checks of one domain.
	// Default: 10 seconds.
	Interval time.Duration

	// MaxConcurrent bounds DNS checks in flight across all domains.
	// Default: 5.
	MaxConcurrent int

	// CheckTimeout bounds a single check.
	// Default: 15 seconds.
	CheckTimeout time.Duration

	// Retention is how long a finished task stays visible to Status.
	// Default: 10 minutes.
	Retention time.Duration
}

// DefaultChallengePollerConfig returns the default configuration.
func DefaultChallengePollerConfig() ChallengePollerConfig {
	return ChallengePollerConfig{
		Interval:      10 * time.Second,
		MaxConcurrent: 5,
		CheckTimeout:  15 * time.Second,
		Retention:     10 * time.Minute,
	}
}

// ChallengePoller runs one cancellable poll task per domain with a pending
// manual challenge. A task ends when the token is seen, the challenge
// expires, or it is cancelled or replaced.
type ChallengePoller struct {
	checker    Checker
	onVerified VerifiedFunc
	config     ChallengePollerConfig
	logger     *slog.Logger
	sem        chan struct{}

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*pollTask
	stopped bool
}

type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status PollStatus
}

func (t *pollTask) snapshot() PollStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *pollTask) update(fn func(*PollStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

// NewChallengePoller creates a poller. onVerified may be nil.
func NewChallengePoller(checker Checker, onVerified VerifiedFunc, config ChallengePollerConfig, logger *slog.Logger) *ChallengePoller {
	defaults := DefaultChallengePollerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChallengePoller{
		checker:    checker,
		onVerified: onVerified,
		config:     config,
		logger:     logger.With("component", "challenge_poller"),
		sem:        make(chan struct{}, config.MaxConcurrent),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*pollTask),
	}
}

// SetVerifiedFunc replaces the verification callback. It must be called
// before the first Start.
func (p *ChallengePoller) SetVerifiedFunc(fn VerifiedFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onVerified = fn
}

// Start begins polling for c, replacing and cancelling any earlier task for
// the same domain. The task's deadline is the challenge expiry.
func (p *ChallengePoller) Start(c domain.Challenge) error {
	d, err := domain.ParseDomain(c.Domain)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPollerStopped
	}
	p.pruneLocked(time.Now())
	previous := p.tasks[d.String()]

	ctx, cancel := context.WithDeadline(p.ctx, c.ExpiresAt)
	t := &pollTask{
		cancel: cancel,
		done:   make(chan struct{}),
		status: PollStatus{
			Domain:    d.String(),
			State:     PollRunning,
			StartedAt: time.Now().UTC(),
			ExpiresAt: c.ExpiresAt,
		},
	}
	p.tasks[d.String()] = t
	p.wg.Add(1)
	p.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}

	go p.run(ctx, t, d)

	p.logger.Info("challenge poll started",
		"domain", d.String(),
		"interval", p.config.Interval,
		"expires_at", c.ExpiresAt,
		"replaced", previous != nil,
	)
	return nil
}

// Status returns the latest snapshot of the task for name.
func (p *ChallengePoller) Status(name string) (PollStatus, bool) {
	p.mu.Lock()
	p.pruneLocked(time.Now())
	t, ok := p.tasks[name]
	p.mu.Unlock()
	if !ok {
		return PollStatus{}, false
	}
	return t.snapshot(), true
}

// Cancel stops and forgets the task for name. It waits for the task's
// goroutine so no further DNS calls happen after it returns.
func (p *ChallengePoller) Cancel(name string) bool {
	p.mu.Lock()
	t, ok := p.tasks[name]
	delete(p.tasks, name)
	p.mu.Unlock()
	if !ok {
		return false
	}

	t.cancel()
	<-t.done
	p.logger.Info("challenge poll cancelled", "domain", name)
	return true
}

// Resume starts tasks for every stored, unexpired challenge.
func (p *ChallengePoller) Resume(ctx context.Context, lister ChallengeLister) (int, error) {
	challenges, err := lister.ListChallenges(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	resumed := 0
	for _, c := range challenges {
		if c.Expired(now) {
			continue
		}
		if err := p.Start(c); err != nil {
			p.logger.Warn("failed to resume challenge poll", "domain", c.Domain, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		p.logger.Info("challenge polls resumed", "count", resumed)
	}
	return resumed, nil
}

// Stop cancels all tasks and waits for them to exit.
func (p *ChallengePoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("challenge poller stopped")
}

// =============================================================================
// Task Loop
// =============================================================================

func (p *ChallengePoller) run(ctx context.Context, t *pollTask, d domain.Domain) {
	defer p.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer t.update(func(s *PollStatus) { s.FinishedAt = time.Now().UTC() })

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.expire(t, d)
				return
			}
			t.update(func(s *PollStatus) {
				if s.State == PollRunning {
					s.State = PollCancelled
				}
			})
			return
		case <-ticker.C:
			if p.check(ctx, t, d) {
				return
			}
		}
	}
}

// pruneLocked forgets tasks that finished more than Retention ago. Callers
// hold p.mu.
func (p *ChallengePoller) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.config.Retention)
	for name, t := range p.tasks {
		s := t.snapshot()
		if !s.FinishedAt.IsZero() && s.FinishedAt.Before(cutoff) {
			delete(p.tasks, name)
		}
	}
}

// check runs one Check and reports whether the task is finished.
func (p *ChallengePoller) check(ctx context.Context, t *pollTask, d domain.Domain) bool {
	select {
	case <-ctx.Done():
		return false
	case p.sem <- struct{}{}:
	}
	defer func() { <-p.sem }()

	checkCtx, cancel := context.WithTimeout(ctx, p.config.CheckTimeout)
	defer cancel()

	result, err := p.checker.Check(checkCtx, d)
	t.update(func(s *PollStatus) {
		s.Checks++
		s.LastCheckedAt = time.Now().UTC()
		s.LastError = ""
		if err != nil {
			s.LastError = err.Error()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.logger.Warn("challenge check failed", "domain", d.String(), "error", err)
		return false
	}

	switch {
	case result.IsVerified():
		t.update(func(s *PollStatus) { s.State = PollVerified })
		p.logger.Info("challenge poll verified", "domain", d.String(), "status", PollVerified)
		p.notify(result)
		return true
	case result.IsRejected():
		state := PollCancelled
		if errors.Is(result.Reason, domain.ErrChallengeExpired) {
			state = PollExpired
		}
		t.update(func(s *PollStatus) {
			s.State = state
			s.LastError = result.Reason.Error()
		})
		p.logger.Info("challenge poll ended", "domain", d.String(), "status", state, "reason", result.Reason)
		return true
	default:
		p.logger.Debug("challenge still pending", "domain", d.String())
		return false
	}
}

// expire runs one check after the deadline. The engine deletes the expired
// challenge without a TXT lookup, so this clears the stored token and
// settles the task.
func (p *ChallengePoller) expire(t *pollTask, d domain.Domain) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.CheckTimeout)
	defer cancel()

	if p.check(ctx, t, d) {
		return
	}
	t.update(func(s *PollStatus) {
		if s.State == PollRunning {
			s.State = PollExpired
		}
	})
	p.logger.Info("challenge poll ended", "domain", d.String(), "status", PollExpired)
}

func (p *ChallengePoller) notify(result domain.Result) {
	p.mu.Lock()
	fn := p.onVerified
	p.mu.Unlock()
	if fn == nil {
		return
	}
	fn(p.ctx, result)
}
