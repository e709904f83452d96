package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateRandomKey()
	require.NoError(t, err)

	plaintext := []byte("gho_supersecrettoken")
	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	key, err := GenerateRandomKey()
	require.NoError(t, err)

	plaintext := []byte("same-input")
	a, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	b, err := Encrypt(plaintext, key)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "distinct nonces must produce distinct ciphertexts")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, err := GenerateRandomKey()
	require.NoError(t, err)
	key2, err := GenerateRandomKey()
	require.NoError(t, err)

	ciphertext, err := Encrypt([]byte("payload"), key1)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, key2)
	assert.Error(t, err)
}

func TestDecryptTruncatedFails(t *testing.T) {
	key, err := GenerateRandomKey()
	require.NoError(t, err)

	_, err = Decrypt([]byte("short"), key)
	assert.Error(t, err)
}

func TestKeyManagerEncryptDecryptWithVersion(t *testing.T) {
	key, err := GenerateRandomKey()
	require.NoError(t, err)

	km := NewKeyManager(key)
	ciphertext, keyID, err := km.EncryptWithVersion([]byte("hello"))
	require.NoError(t, err)

	plaintext, err := km.DecryptWithVersion(ciphertext, keyID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestKeyManagerRotateKeyMigratesData(t *testing.T) {
	key, err := GenerateRandomKey()
	require.NoError(t, err)

	km := NewKeyManager(key)
	oldCiphertext, oldKeyID, err := km.EncryptWithVersion([]byte("secret"))
	require.NoError(t, err)

	_, err = km.RotateKey()
	require.NoError(t, err)

	newCiphertext, newKeyID, err := km.MigrateData(oldCiphertext, oldKeyID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, newKeyID)

	plaintext, err := km.DecryptWithVersion(newCiphertext, newKeyID)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plaintext)
}
