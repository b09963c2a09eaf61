// Package token issues unguessable verification tokens.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Size is the number of random bytes behind every token (128 bits).
const Size = 16

// EncodedLen is the length of an issued token.
var EncodedLen = base64.RawURLEncoding.EncodedLen(Size)

// Issuer creates verification tokens.
type Issuer interface {
	Issue() (string, error)
}

// RandomIssuer reads Size bytes per token and encodes them URL-safe without padding.
type RandomIssuer struct {
	source io.Reader
}

// NewIssuer returns an issuer backed by crypto/rand.
func NewIssuer() *RandomIssuer {
	return &RandomIssuer{source: rand.Reader}
}

// NewIssuerFromReader returns an issuer reading from r. Only use a non-secure
// reader in tests.
func NewIssuerFromReader(r io.Reader) *RandomIssuer {
	return &RandomIssuer{source: r}
}

// Issue returns a fresh token.
func (i *RandomIssuer) Issue() (string, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(i.source, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
