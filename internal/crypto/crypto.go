// Package crypto decrypts connector and destination secret fields stored
// by the control plane: AES-256-CBC with the IV and ciphertext
// hex-encoded and joined as "<ivHex>:<ctHex>".
// The key is a 32-byte value supplied hex-encoded via ENCRYPTION_KEY.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotEncrypted describes a value that does not carry the
// "<ivHex>:<ctHex>" separator. Decrypt does not return it: such a value is
// passed through unchanged.
var ErrNotEncrypted = errors.New("crypto: value is not in ivHex:ctHex format")

// DecodeKey parses a hex-encoded AES-256 key (64 hex chars = 32 bytes).
func DecodeKey(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Decrypt decrypts a "<ivHex>:<ctHex>" value with AES-256-CBC and strips
// PKCS#7 padding. Plaintext that does not contain the separator is
// returned unchanged, matching config fields that were never encrypted.
func Decrypt(value string, key []byte) (string, error) {
	ivHex, ctHex, ok := strings.Cut(value, ":")
	if !ok {
		return value, nil
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return "", fmt.Errorf("iv must be %d bytes, got %d", block.BlockSize(), len(iv))
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return "", errors.New("ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ct))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintext, ct)

	return unpad(plaintext)
}

// Encrypt encrypts plaintext with AES-256-CBC, PKCS#7 pads it, and returns
// the "<ivHex>:<ctHex>" form. Used by tests and by tooling that seeds
// control-plane fixtures.
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pad([]byte(plaintext), block.BlockSize())
	ct := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func unpad(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty plaintext after decrypt")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return "", errors.New("invalid PKCS#7 padding")
	}
	return string(data[:len(data)-padLen]), nil
}
