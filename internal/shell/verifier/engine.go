// Package verifier runs the domain ownership decision chain: trusted suffix,
// then address resolution, then a TXT challenge.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	coredns "github.com/workzone/hostgate/internal/core/dns"
	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/core/token"
	"github.com/workzone/hostgate/internal/shell/dns"
	"github.com/workzone/hostgate/internal/shell/store"
)

// ErrNoChallenge is returned by Check when the domain has no pending challenge.
var ErrNoChallenge = errors.New("no pending challenge")

// ChallengeStore is the keyed challenge persistence the engine reads and writes.
type ChallengeStore interface {
	GetChallenge(ctx context.Context, name string) (*domain.Challenge, error)
	PutChallenge(ctx context.Context, challenge *domain.Challenge) error
	DeleteChallenge(ctx context.Context, name string) error
}

// Config holds verification engine configuration.
type Config struct {
	TrustedSuffix   string
	ServerIP        string
	ChallengePrefix string
	ProbeLabel      string
	ChallengeTTL    time.Duration
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		TrustedSuffix:   "workzone.tech",
		ChallengePrefix: coredns.DefaultChallengePrefix,
		ProbeLabel:      coredns.DefaultProbeLabel,
		ChallengeTTL:    600 * time.Second,
	}
}

// Engine evaluates the decision chain for one domain at a time.
type Engine struct {
	resolver dns.Resolver
	store    ChallengeStore
	issuer   token.Issuer
	config   Config
	serverIP netip.Addr
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group
	locks keyedMutex
}

// NewEngine creates a new engine. An empty ServerIP disables the address
// check; an unparsable one is an error.
func NewEngine(cfg Config, resolver dns.Resolver, challenges ChallengeStore, issuer token.Issuer, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.ChallengePrefix == "" {
		cfg.ChallengePrefix = defaults.ChallengePrefix
	}
	if cfg.ProbeLabel == "" {
		cfg.ProbeLabel = defaults.ProbeLabel
	}
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = defaults.ChallengeTTL
	}
	if issuer == nil {
		issuer = token.NewIssuer()
	}

	e := &Engine{
		resolver: resolver,
		store:    challenges,
		issuer:   issuer,
		config:   cfg,
		logger:   logger.With("component", "verification_engine"),
		now:      time.Now,
	}

	if cfg.ServerIP != "" {
		ip, err := netip.ParseAddr(cfg.ServerIP)
		if err != nil {
			return nil, fmt.Errorf("parse server ip %q: %w", cfg.ServerIP, err)
		}
		e.serverIP = ip.Unmap()
	} else {
		e.logger.Warn("server ip not configured, address resolution check disabled")
	}

	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// =============================================================================
// Decision Chain
// =============================================================================

// verifyTimeout bounds one shared evaluation of the chain.
const verifyTimeout = 30 * time.Second

// Verify runs the chain for d. Concurrent calls for the same domain share one
// evaluation. A Pending result carries a freshly issued challenge that
// replaces any previous one.
//
// The shared evaluation is detached from ctx so one caller going away does
// not fail the others; ctx only bounds how long this caller waits.
func (e *Engine) Verify(ctx context.Context, d domain.Domain) (domain.Result, error) {
	ch := e.group.DoChan(d.String(), func() (any, error) {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
		defer cancel()
		return e.verify(vctx, d)
	})

	select {
	case <-ctx.Done():
		return domain.Result{}, ctx.Err()
	case r := <-ch:
		if r.Shared {
			e.logger.Debug("verification shared with concurrent caller", "domain", d.String())
		}
		if r.Err != nil {
			return domain.Result{}, r.Err
		}
		return r.Val.(domain.Result), nil
	}
}

func (e *Engine) verify(ctx context.Context, d domain.Domain) (domain.Result, error) {
	if coredns.IsTrustedSuffix(d, e.config.TrustedSuffix) {
		return e.verified(ctx, d, domain.StrategyTrustedSuffix), nil
	}

	if e.addressMatches(ctx, d) {
		return e.verified(ctx, d, domain.StrategyAutomaticResolution), nil
	}

	unlock := e.locks.Lock(d.String())
	defer unlock()

	existing, err := e.liveChallenge(ctx, d)
	if err != nil {
		return domain.Result{}, err
	}
	if existing != nil && e.tokenPublished(ctx, existing) {
		e.consume(ctx, d)
		e.logger.Info("domain verified", "domain", d.String(), "strategy", domain.StrategyManualChallenge)
		return domain.Verified(d, domain.StrategyManualChallenge), nil
	}

	c, err := e.issue(ctx, d)
	if err != nil {
		return domain.Result{}, err
	}
	e.logger.Info("challenge issued",
		"domain", d.String(),
		"strategy", domain.StrategyManualChallenge,
		"record", c.RecordName,
		"expires_at", c.ExpiresAt,
		"replaced", existing != nil,
	)
	return domain.Pending(d, c), nil
}

// Check looks for the token of the pending challenge without issuing a new
// one. An expired challenge is deleted and reported as ErrChallengeExpired
// without a lookup, so a token published after the deadline never counts.
func (e *Engine) Check(ctx context.Context, d domain.Domain) (domain.Result, error) {
	unlock := e.locks.Lock(d.String())
	defer unlock()

	c, err := e.store.GetChallenge(ctx, d.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Rejected(d, ErrNoChallenge), nil
		}
		return domain.Result{}, fmt.Errorf("get challenge: %w", err)
	}

	if c.Expired(e.now()) {
		e.consume(ctx, d)
		e.logger.Info("challenge expired", "domain", d.String(), "status", domain.VerdictRejected)
		return domain.Rejected(d, domain.ErrChallengeExpired), nil
	}

	if e.tokenPublished(ctx, c) {
		e.consume(ctx, d)
		e.logger.Info("domain verified", "domain", d.String(), "strategy", domain.StrategyManualChallenge)
		return domain.Verified(d, domain.StrategyManualChallenge), nil
	}

	return domain.Pending(d, *c), nil
}

// Discard deletes the pending challenge for d, if any.
func (e *Engine) Discard(ctx context.Context, d domain.Domain) error {
	unlock := e.locks.Lock(d.String())
	defer unlock()

	if err := e.store.DeleteChallenge(ctx, d.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (e *Engine) verified(ctx context.Context, d domain.Domain, s domain.Strategy) domain.Result {
	// A challenge left over from an earlier attempt is moot now.
	unlock := e.locks.Lock(d.String())
	e.consume(ctx, d)
	unlock()

	e.logger.Info("domain verified", "domain", d.String(), "strategy", s)
	return domain.Verified(d, s)
}

func (e *Engine) addressMatches(ctx context.Context, d domain.Domain) bool {
	if !e.serverIP.IsValid() {
		return false
	}
	name := coredns.ProbeName(e.config.ProbeLabel, d)
	addrs := e.resolver.ResolveAddressChain(ctx, name)
	e.logger.Debug("address check", "domain", d.String(), "name", name, "addresses", len(addrs))
	return coredns.ContainsAddress(addrs, e.serverIP)
}

func (e *Engine) tokenPublished(ctx context.Context, c *domain.Challenge) bool {
	records := e.resolver.LookupTXT(ctx, c.RecordName)
	return coredns.ContainsToken(records, c.Token)
}

// liveChallenge returns the unexpired challenge for d, or nil.
func (e *Engine) liveChallenge(ctx context.Context, d domain.Domain) (*domain.Challenge, error) {
	c, err := e.store.GetChallenge(ctx, d.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	if c.Expired(e.now()) {
		return nil, nil
	}
	return c, nil
}

func (e *Engine) issue(ctx context.Context, d domain.Domain) (domain.Challenge, error) {
	tok, err := e.issuer.Issue()
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("issue token: %w", err)
	}
	c := domain.NewChallenge(d, tok, coredns.ChallengeName(e.config.ChallengePrefix, d), e.now(), e.config.ChallengeTTL)
	if err := e.store.PutChallenge(ctx, &c); err != nil {
		return domain.Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return c, nil
}

// consume deletes the challenge for d. Callers hold the domain lock.
func (e *Engine) consume(ctx context.Context, d domain.Domain) {
	if err := e.store.DeleteChallenge(ctx, d.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to delete challenge", "domain", d.String(), "error", err)
	}
}

// keyedMutex serializes work per key. Entries are dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
