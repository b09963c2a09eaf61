package dns

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workzone/hostgate/internal/core/domain"
)

func mustDomain(t *testing.T, raw string) domain.Domain {
	t.Helper()
	d, err := domain.ParseDomain(raw)
	require.NoError(t, err)
	return d
}

// =============================================================================
// Trusted Suffix Tests
// =============================================================================

func TestIsTrustedSuffix(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		suffix string
		want   bool
	}{
		{"subdomain", "app.workzone.tech", "workzone.tech", true},
		{"nested subdomain", "a.b.workzone.tech", "workzone.tech", true},
		{"apex itself", "workzone.tech", "workzone.tech", true},
		{"wildcard under suffix", "*.workzone.tech", "workzone.tech", true},
		{"suffix with dots and case", "app.workzone.tech", ".WorkZone.Tech.", true},
		{"label boundary", "evilworkzone.tech", "workzone.tech", false},
		{"foreign domain", "shop.example.com", "workzone.tech", false},
		{"suffix as prefix", "workzone.tech.example.com", "workzone.tech", false},
		{"empty suffix", "app.workzone.tech", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTrustedSuffix(mustDomain(t, tt.domain), tt.suffix))
		})
	}
}

// =============================================================================
// Address / Token Tests
// =============================================================================

func TestContainsAddress(t *testing.T) {
	server := netip.MustParseAddr("13.49.221.83")

	assert.True(t, ContainsAddress([]netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("13.49.221.83"),
	}, server))
	assert.True(t, ContainsAddress([]netip.Addr{netip.MustParseAddr("::ffff:13.49.221.83")}, server))
	assert.False(t, ContainsAddress([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, server))
	assert.False(t, ContainsAddress(nil, server))
	assert.False(t, ContainsAddress([]netip.Addr{netip.MustParseAddr("10.0.0.1")}, netip.Addr{}))
}

func TestContainsToken(t *testing.T) {
	records := []string{"v=spf1 -all", "hostgate-verification=abc123XYZ", "other"}

	assert.True(t, ContainsToken(records, "abc123XYZ"))
	assert.False(t, ContainsToken(records, "abc123xyz"))
	assert.False(t, ContainsToken(records, ""))
	assert.False(t, ContainsToken(nil, "abc123XYZ"))
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestChallengeName(t *testing.T) {
	assert.Equal(t, "_verify.shop.example.com", ChallengeName("_verify", mustDomain(t, "shop.example.com")))
	assert.Equal(t, "_verify.example.com", ChallengeName("", mustDomain(t, "*.example.com")))
	assert.Equal(t, "_owner.example.com", ChallengeName("_owner", mustDomain(t, "example.com")))
}

func TestProbeName(t *testing.T) {
	assert.Equal(t, "shop.example.com", ProbeName("probe", mustDomain(t, "shop.example.com")))
	assert.Equal(t, "probe.example.com", ProbeName("probe", mustDomain(t, "*.example.com")))
	assert.Equal(t, DefaultProbeLabel+".example.com", ProbeName("", mustDomain(t, "*.example.com")))
}

func TestChallengeInstructions(t *testing.T) {
	d := mustDomain(t, "shop.example.com")
	issued := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := domain.NewChallenge(d, "tok123", ChallengeName("_verify", d), issued, 10*time.Minute)

	ins := ChallengeInstructions(c)
	assert.Equal(t, "txt", ins.Type)
	assert.Equal(t, "_verify.shop.example.com", ins.Name)
	assert.Equal(t, "tok123", ins.Value)
	assert.Contains(t, ins.Note, "_verify.shop.example.com")
	assert.Contains(t, ins.Note, "2025-03-01 10:10:00 UTC")
}
