package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_Format(t *testing.T) {
	tok, err := NewIssuer().Issue()
	require.NoError(t, err)

	assert.Len(t, tok, EncodedLen)
	assert.Equal(t, 22, EncodedLen)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, Size)
	assert.NotContains(t, tok, "=")
	assert.NotContains(t, tok, "+")
	assert.NotContains(t, tok, "/")
}

func TestIssue_Unique(t *testing.T) {
	issuer := NewIssuer()
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		tok, err := issuer.Issue()
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(tok)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(raw)*8, 128)

		_, dup := seen[tok]
		require.False(t, dup, "duplicate token %s at %d", tok, i)
		seen[tok] = struct{}{}
	}
	assert.Len(t, seen, 10000)
}

func TestIssue_FromReader(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte{0xff}, Size))
	tok, err := NewIssuerFromReader(src).Issue()
	require.NoError(t, err)
	assert.Equal(t, "_____________________w", tok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestIssue_ReaderError(t *testing.T) {
	_, err := NewIssuerFromReader(failingReader{}).Issue()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entropy exhausted")
}

func TestIssue_ShortReader(t *testing.T) {
	_, err := NewIssuerFromReader(bytes.NewReader([]byte{1, 2, 3})).Issue()
	assert.Error(t, err)
}
