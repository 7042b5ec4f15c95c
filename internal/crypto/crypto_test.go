package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DecodeKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return key
}

func TestDecodeKey_ValidHex(t *testing.T) {
	key, err := DecodeKey(strings.Repeat("00", 32))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestDecodeKey_WrongLengthErrors(t *testing.T) {
	_, err := DecodeKey(strings.Repeat("00", 16))
	assert.Error(t, err)
}

func TestDecodeKey_InvalidHexErrors(t *testing.T) {
	_, err := DecodeKey("not-hex!!")
	assert.Error(t, err)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := "super-secret-api-key"

	encrypted, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.Contains(t, encrypted, ":")

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptDecrypt_RoundTripEmptyString(t *testing.T) {
	key := testKey(t)
	encrypted, err := Encrypt("", key)
	require.NoError(t, err)
	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestEncrypt_UsesRandomIVEachCall(t *testing.T) {
	key := testKey(t)
	a, err := Encrypt("same plaintext", key)
	require.NoError(t, err)
	b, err := Encrypt("same plaintext", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "IV should differ per call, so ciphertexts differ too")
}

func TestDecrypt_PlaintextWithoutSeparatorPassesThroughUnchanged(t *testing.T) {
	key := testKey(t)
	value := "not-encrypted-plain-value"
	out, err := Decrypt(value, key)
	require.NoError(t, err)
	assert.Equal(t, value, out)
}

func TestDecrypt_MalformedIVHexErrors(t *testing.T) {
	key := testKey(t)
	_, err := Decrypt("zz:00", key)
	assert.Error(t, err)
}

func TestDecrypt_MalformedCiphertextHexErrors(t *testing.T) {
	key := testKey(t)
	iv := hex.EncodeToString(make([]byte, 16))
	_, err := Decrypt(iv+":zz", key)
	assert.Error(t, err)
}

func TestDecrypt_WrongIVLengthErrors(t *testing.T) {
	key := testKey(t)
	shortIV := hex.EncodeToString(make([]byte, 8))
	_, err := Decrypt(shortIV+":00", key)
	assert.Error(t, err)
}

func TestDecrypt_CiphertextNotBlockMultipleErrors(t *testing.T) {
	key := testKey(t)
	iv := hex.EncodeToString(make([]byte, 16))
	_, err := Decrypt(iv+":aabbcc", key)
	assert.Error(t, err)
}

func TestDecrypt_WrongKeyProducesGarbageOrError(t *testing.T) {
	key := testKey(t)
	wrongKey, err := DecodeKey(strings.Repeat("11", 32))
	require.NoError(t, err)

	encrypted, err := Encrypt("hello world", key)
	require.NoError(t, err)

	decrypted, decErr := Decrypt(encrypted, wrongKey)
	if decErr == nil {
		assert.NotEqual(t, "hello world", decrypted)
	}
}

func TestUnpad_EmptyDataErrors(t *testing.T) {
	_, err := unpad(nil)
	assert.Error(t, err)
}

func TestUnpad_InvalidPadLengthErrors(t *testing.T) {
	_, err := unpad([]byte{1, 2, 3, 0})
	assert.Error(t, err)
}

func TestPadUnpad_RoundTrip(t *testing.T) {
	data := []byte("hello")
	padded := pad(data, 16)
	assert.Len(t, padded, 16)
	unpadded, err := unpad(padded)
	require.NoError(t, err)
	assert.Equal(t, "hello", unpadded)
}
