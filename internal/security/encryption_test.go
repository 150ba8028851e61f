package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(t.TempDir())
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("sk-ant-super-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-ant-super-secret", ciphertext)
	assert.True(t, IsEncrypted(ciphertext))

	plain, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-super-secret", plain)
}

func TestIsEncryptedRejectsPlaintext(t *testing.T) {
	assert.False(t, IsEncrypted("sk-ant-plain-key"))
	assert.False(t, IsEncrypted(""))
}

func TestDecryptRejectsForeignCiphertext(t *testing.T) {
	a, err := NewEncryptor(t.TempDir())
	require.NoError(t, err)
	b, err := NewEncryptor(t.TempDir())
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("hello")
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestRotateReEncryptsUnderNewKey(t *testing.T) {
	dir := t.TempDir()
	enc, err := NewEncryptor(dir)
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt("rotate-me")
	require.NoError(t, err)

	previous, err := enc.Rotate(dir)
	require.NoError(t, err)

	// Old ciphertext no longer decrypts under the rotated key...
	_, err = enc.Decrypt(ciphertext)
	assert.Error(t, err)
	// ...but does under the returned previous-key encryptor.
	plain, err := previous.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "rotate-me", plain)
}
