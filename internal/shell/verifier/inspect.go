package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	coredns "github.com/workzone/hostgate/internal/core/dns"
	"github.com/workzone/hostgate/internal/core/domain"
	"github.com/workzone/hostgate/internal/shell/store"
)

// Inspection is a read-only trace of the decision chain.
type Inspection struct {
	Domain        string            `json:"domain" yaml:"domain"`
	TrustedSuffix bool              `json:"trusted_suffix" yaml:"trusted_suffix"`
	ProbeName     string            `json:"probe_name,omitempty" yaml:"probe_name,omitempty"`
	Addresses     []netip.Addr      `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	AddressMatch  bool              `json:"address_match" yaml:"address_match"`
	Challenge     *domain.Challenge `json:"challenge,omitempty" yaml:"challenge,omitempty"`
	TXTRecords    []string          `json:"txt_records,omitempty" yaml:"txt_records,omitempty"`
	TokenFound    bool              `json:"token_found" yaml:"token_found"`
	Strategy      domain.Strategy   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// Inspect evaluates every step of the chain for d without issuing, consuming
// or deleting anything. Strategy is the first step that would succeed.
func (e *Engine) Inspect(ctx context.Context, d domain.Domain) (Inspection, error) {
	in := Inspection{Domain: d.String()}

	in.TrustedSuffix = coredns.IsTrustedSuffix(d, e.config.TrustedSuffix)

	if e.serverIP.IsValid() {
		in.ProbeName = coredns.ProbeName(e.config.ProbeLabel, d)
		in.Addresses = e.resolver.ResolveAddressChain(ctx, in.ProbeName)
		in.AddressMatch = coredns.ContainsAddress(in.Addresses, e.serverIP)
	}

	c, err := e.store.GetChallenge(ctx, d.String())
	switch {
	case err == nil:
		in.Challenge = c
		in.TXTRecords = e.resolver.LookupTXT(ctx, c.RecordName)
		in.TokenFound = !c.Expired(e.now()) && coredns.ContainsToken(in.TXTRecords, c.Token)
	case !errors.Is(err, store.ErrNotFound):
		return in, fmt.Errorf("get challenge: %w", err)
	}

	switch {
	case in.TrustedSuffix:
		in.Strategy = domain.StrategyTrustedSuffix
	case in.AddressMatch:
		in.Strategy = domain.StrategyAutomaticResolution
	case in.TokenFound:
		in.Strategy = domain.StrategyManualChallenge
	}
	return in, nil
}
