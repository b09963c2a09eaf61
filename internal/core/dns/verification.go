// Package dns contains pure functions for the domain ownership decision chain.
// This is part of the Functional Core - all functions are pure with no I/O.
package dns

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/workzone/hostgate/internal/core/domain"
)

const (
	DefaultChallengePrefix = "_verify"
	DefaultProbeLabel      = "hostgate-probe"
)

// =============================================================================
// Decision Helpers
// =============================================================================

// IsTrustedSuffix reports whether d sits inside the operator's own zone.
// The match is on a label boundary: "evilworkzone.tech" is not under
// "workzone.tech".
func IsTrustedSuffix(d domain.Domain, suffix string) bool {
	suffix = strings.ToLower(strings.Trim(strings.TrimSpace(suffix), "."))
	if suffix == "" || d.IsZero() {
		return false
	}
	base := d.Base()
	return base == suffix || strings.HasSuffix(base, "."+suffix)
}

// ContainsAddress reports whether server is one of addrs. IPv4-mapped IPv6
// addresses compare equal to their IPv4 form.
func ContainsAddress(addrs []netip.Addr, server netip.Addr) bool {
	if !server.IsValid() {
		return false
	}
	server = server.Unmap()
	for _, a := range addrs {
		if a.Unmap() == server {
			return true
		}
	}
	return false
}

// ContainsToken reports whether any TXT string contains token.
func ContainsToken(records []string, token string) bool {
	if token == "" {
		return false
	}
	for _, r := range records {
		if strings.Contains(r, token) {
			return true
		}
	}
	return false
}

// ChallengeName is the TXT record name the owner must publish the token at.
func ChallengeName(prefix string, d domain.Domain) string {
	if prefix == "" {
		prefix = DefaultChallengePrefix
	}
	return prefix + "." + d.Base()
}

// ProbeName is the name resolved for the address check. A wildcard cannot be
// queried directly, so a concrete label under its base is used instead.
func ProbeName(label string, d domain.Domain) string {
	if !d.IsWildcard() {
		return d.String()
	}
	if label == "" {
		label = DefaultProbeLabel
	}
	return label + "." + d.Base()
}

// =============================================================================
// DNS Instructions
// =============================================================================

// Instructions tell the owner which TXT record to publish.
type Instructions struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Note  string `json:"note"`
}

// ChallengeInstructions returns the record the owner has to create for c.
func ChallengeInstructions(c domain.Challenge) Instructions {
	return Instructions{
		Type:  "txt",
		Name:  c.RecordName,
		Value: c.Token,
		Note: fmt.Sprintf("Add a TXT record named %s with value %s before %s",
			c.RecordName, c.Token, c.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST")),
	}
}
