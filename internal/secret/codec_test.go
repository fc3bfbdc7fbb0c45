package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := NewCodec("test-secret")
	require.NoError(t, err)

	enc, err := c.Encrypt("M.C123_refresh")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, Prefix))
	assert.NotContains(t, enc, "M.C123_refresh")

	again, err := c.Encrypt("M.C123_refresh")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce must differ per call")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "M.C123_refresh", plain)
}

func TestEncryptIsIdempotentOnStoredValues(t *testing.T) {
	c, err := NewCodec("test-secret")
	require.NoError(t, err)
	enc, err := c.Encrypt("value")
	require.NoError(t, err)
	twice, err := c.Encrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, twice)

	empty, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPlaintextPassesThrough(t *testing.T) {
	c, err := NewCodec("test-secret")
	require.NoError(t, err)
	plain, err := c.Decrypt("legacy-token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", plain)
}

func TestDecryptFailures(t *testing.T) {
	a, err := NewCodec("key-a")
	require.NoError(t, err)
	b, err := NewCodec("key-b")
	require.NoError(t, err)

	enc, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = a.Decrypt(Prefix + "!!not-base64!!")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = a.Decrypt(Prefix + "AAAA")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := NewCodec("")
	assert.Error(t, err)
}
