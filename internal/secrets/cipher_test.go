package secrets

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestNewAESCipher_RejectsShortKey(t *testing.T) {
	_, err := NewAESCipher("short")
	assert.Error(t, err)
}

func TestAESCipher_RoundTrip(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("s3cr3t"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ct, []byte("s3cr3t")))

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(pt))
}

func TestAESCipher_NonceIsRandom(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESCipher_WrongKeyFails(t *testing.T) {
	c1, err := NewAESCipher(testKey)
	require.NoError(t, err)
	c2, err := NewAESCipher("another-master-key-entirely")
	require.NoError(t, err)

	ct, err := c1.Encrypt([]byte("s3cr3t"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestAESCipher_TamperedCiphertextFails(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("s3cr3t"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = c.Decrypt(ct)
	assert.Error(t, err)
}

func TestAESCipher_ShortCiphertext(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrCiphertextTooShort))
}

func TestStringHelpers_EmptyPassesThrough(t *testing.T) {
	c, err := NewAESCipher(testKey)
	require.NoError(t, err)

	ct, err := EncryptString(c, "")
	require.NoError(t, err)
	assert.Nil(t, ct)

	pt, err := DecryptString(c, nil)
	require.NoError(t, err)
	assert.Empty(t, pt)

	ct, err = EncryptString(c, "pw")
	require.NoError(t, err)
	pt, err = DecryptString(c, ct)
	require.NoError(t, err)
	assert.Equal(t, "pw", pt)
}
