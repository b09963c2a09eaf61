// Package domain holds the data model for domain ownership verification and
// route registration.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidFormat is returned when a candidate string is not a hostname.
	ErrInvalidFormat = errors.New("invalid domain format")

	// ErrChallengeExpired is returned when a TXT challenge passed its deadline
	// without the token being published.
	ErrChallengeExpired = errors.New("verification challenge expired")

	// ErrNotVerified is returned when a route is requested for an unverified domain.
	ErrNotVerified = errors.New("domain is not verified")
)

const (
	MaxHostnameLength = 253
	MaxLabelLength    = 63
	WildcardLabel     = "*"
)

// =============================================================================
// Domain
// =============================================================================

// Domain is a normalized hostname that passed ParseDomain. The zero value is
// not a valid domain.
type Domain struct {
	name string
}

// ParseDomain normalizes raw (trim, lower-case, one trailing dot removed) and
// checks it against the hostname grammar.
func ParseDomain(raw string) (Domain, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, ".")

	if name == "" || len(name) > MaxHostnameLength {
		return Domain{}, fmt.Errorf("%w: length must be 1-%d characters", ErrInvalidFormat, MaxHostnameLength)
	}
	for i := 0; i < len(name); i++ {
		if !validHostnameChar(name[i]) {
			return Domain{}, fmt.Errorf("%w: character %q not allowed", ErrInvalidFormat, name[i])
		}
	}

	labels := strings.Split(name, ".")
	concrete := 0
	for i, label := range labels {
		switch {
		case label == "":
			return Domain{}, fmt.Errorf("%w: empty label", ErrInvalidFormat)
		case len(label) > MaxLabelLength:
			return Domain{}, fmt.Errorf("%w: label %q exceeds %d characters", ErrInvalidFormat, label, MaxLabelLength)
		case label == WildcardLabel:
			if i != 0 {
				return Domain{}, fmt.Errorf("%w: wildcard must be the leading label", ErrInvalidFormat)
			}
		case strings.Contains(label, WildcardLabel):
			return Domain{}, fmt.Errorf("%w: wildcard must be a whole label", ErrInvalidFormat)
		default:
			concrete++
		}
	}
	if concrete == 0 {
		return Domain{}, fmt.Errorf("%w: wildcard needs a parent domain", ErrInvalidFormat)
	}

	return Domain{name: name}, nil
}

func validHostnameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == '*'
}

// String returns the normalized hostname.
func (d Domain) String() string {
	return d.name
}

// IsZero reports whether d was never parsed.
func (d Domain) IsZero() bool {
	return d.name == ""
}

// IsWildcard reports whether d starts with a "*" label.
func (d Domain) IsWildcard() bool {
	return strings.HasPrefix(d.name, WildcardLabel+".")
}

// Base returns the hostname with any leading wildcard label removed.
func (d Domain) Base() string {
	return strings.TrimPrefix(d.name, WildcardLabel+".")
}

// MarshalText implements encoding.TextMarshaler.
func (d Domain) MarshalText() ([]byte, error) {
	return []byte(d.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the input.
func (d *Domain) UnmarshalText(text []byte) error {
	parsed, err := ParseDomain(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
