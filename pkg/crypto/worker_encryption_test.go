package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("short-key"))
	require.NoError(t, err)

	sealed, err := enc.Encrypt(`{"refresh_token":"r-1"}`)
	require.NoError(t, err)
	assert.NotContains(t, sealed, "r-1")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"refresh_token":"r-1"}`, plain)
}

func TestEncryptorRejectsForeignCiphertext(t *testing.T) {
	a, err := NewEncryptor([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewEncryptor([]byte("key-b"))
	require.NoError(t, err)

	sealed, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = b.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptorEmpty(t *testing.T) {
	_, err := NewEncryptor(nil)
	assert.Error(t, err)

	enc, err := NewEncryptor([]byte("k"))
	require.NoError(t, err)
	out, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
}
