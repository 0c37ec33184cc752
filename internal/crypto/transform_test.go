package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroKey() []byte { return make([]byte, 32) }

func TestDeterministicEncryptIsStableAndRoundtrips(t *testing.T) {
	// Invariant #4 from spec.md §8: decrypt(encrypt(x)) == x, and
	// encrypt(x) == encrypt(x) under deterministic mode.
	tr, err := NewAESTransformer(zeroKey(), Deterministic)
	require.NoError(t, err)

	for _, plaintext := range []string{"12345", "", "héllo wörld", "a-longer-plaintext-value-than-one-block"} {
		ct1, err := tr.Encrypt(plaintext)
		require.NoError(t, err)
		ct2, err := tr.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, ct1, ct2, "deterministic mode must be stable for %q", plaintext)

		decoded, err := tr.Decrypt(ct1, plaintext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decoded)
	}
}

func TestRandomModeVariesAndRoundtrips(t *testing.T) {
	tr, err := NewAESTransformer(zeroKey(), Random)
	require.NoError(t, err)

	ct1, err := tr.Encrypt("12345")
	require.NoError(t, err)
	ct2, err := tr.Encrypt("12345")
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2, "random mode must vary ciphertext across calls")

	decoded, err := tr.Decrypt(ct1, "")
	require.NoError(t, err)
	assert.Equal(t, "12345", decoded)
}

func TestNewAESTransformerRejectsBadKeyLength(t *testing.T) {
	_, err := NewAESTransformer(make([]byte, 10), Deterministic)
	require.Error(t, err)
}

func TestShortHandle(t *testing.T) {
	// Scenario #3 from spec.md §8.
	tr, err := NewAESTransformer(zeroKey(), Deterministic)
	require.NoError(t, err)

	ct, err := tr.Encrypt("12345")
	require.NoError(t, err)

	h1 := ShortHandle(ct, "pid-", 64)
	h2 := ShortHandle(ct, "pid-", 64)
	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, "pid-"))
	assert.LessOrEqual(t, len(h1), 64)
}

func TestShortHandleTruncatesToMaxLen(t *testing.T) {
	h := ShortHandle("anything", "pid-", 8)
	assert.Len(t, h, 8)
	assert.True(t, strings.HasPrefix(h, "pid-"))
}

func TestShortHandlePrefixLongerThanMaxLen(t *testing.T) {
	h := ShortHandle("anything", "this-prefix-is-too-long", 5)
	assert.Len(t, h, 5)
}
