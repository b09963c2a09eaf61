// Package dns provides the DNS lookups the verification chain depends on.
// This is part of the Imperative Shell - handles I/O (DNS lookups).
//
// Lookups never fail from the caller's point of view: NXDOMAIN, SERVFAIL and
// timeouts are logged at debug level and reported as an empty answer.
package dns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

const (
	ModeSystem = "system"
	ModeDirect = "direct"
)

// Resolver performs the two lookups used for domain verification.
type Resolver interface {
	// ResolveAddressChain follows CNAMEs for name and returns the final A/AAAA addresses.
	ResolveAddressChain(ctx context.Context, name string) []netip.Addr
	// LookupTXT returns the TXT strings published at fqdn.
	LookupTXT(ctx context.Context, fqdn string) []string
}

// Config configures a resolver.
type Config struct {
	Mode        string        `mapstructure:"mode" yaml:"mode"`
	Nameservers []string      `mapstructure:"nameservers" yaml:"nameservers"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxChase    int           `mapstructure:"max_chase" yaml:"max_chase"`
}

// DefaultConfig returns default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeSystem,
		Timeout:  3 * time.Second,
		MaxChase: 8,
	}
}

// New returns the resolver selected by cfg.Mode.
func New(cfg Config, logger *slog.Logger) (Resolver, error) {
	switch cfg.Mode {
	case "", ModeSystem:
		return NewSystemResolver(cfg.Timeout, logger), nil
	case ModeDirect:
		return NewDirectResolver(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown dns mode %q", cfg.Mode)
	}
}

// =============================================================================
// System Resolver
// =============================================================================

// SystemResolver uses the platform resolver with a per-call timeout.
type SystemResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSystemResolver creates a resolver backed by net.DefaultResolver.
func NewSystemResolver(timeout time.Duration, logger *slog.Logger) *SystemResolver {
	if timeout == 0 {
		timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemResolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		logger:   logger.With("component", "dns_resolver", "mode", ModeSystem),
	}
}

// ResolveAddressChain implements Resolver.
func (r *SystemResolver) ResolveAddressChain(ctx context.Context, name string) []netip.Addr {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	addrs, err := r.resolver.LookupNetIP(ctx, "ip", name)
	if err != nil {
		r.logger.Debug("address lookup failed", "name", name, "error", err)
		return nil
	}
	return addrs
}

// LookupTXT implements Resolver.
func (r *SystemResolver) LookupTXT(ctx context.Context, fqdn string) []string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.resolver.LookupTXT(ctx, fqdn)
	if err != nil {
		r.logger.Debug("txt lookup failed", "name", fqdn, "error", err)
		return nil
	}
	return records
}
