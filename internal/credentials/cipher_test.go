package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherSealsAndOpens(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)
	key, err := ParseKey(encoded)
	require.NoError(t, err)
	require.Len(t, key, 32)

	c, err := NewCipher(key)
	require.NoError(t, err)
	blob, err := c.Encrypt([]byte("ghp_secret"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "ghp_secret")

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", string(plain))

	again, err := c.Encrypt([]byte("ghp_secret"))
	require.NoError(t, err)
	assert.NotEqual(t, blob, again)
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewCipher(make([]byte, 32))
	require.NoError(t, err)
	blob, err := c.Encrypt([]byte("token"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = c.Decrypt(blob)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = c.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrMalformed)

	other, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	sealed, err := c.Encrypt([]byte("token"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKeyValidation(t *testing.T) {
	_, err := ParseKey("")
	assert.Error(t, err)
	_, err = ParseKey("!!!")
	assert.Error(t, err)
	_, err = NewCipher([]byte("short"))
	assert.Error(t, err)
}
