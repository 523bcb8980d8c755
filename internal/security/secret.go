package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	secretKeyEnv = "SETTINGS_ENCRYPTION_KEY"
	// EncryptionPrefix marks values sealed by EncryptSecret.
	EncryptionPrefix = "enc:"
)

var ErrNoKey = errors.New("security: " + secretKeyEnv + " is not set")

var (
	cipherOnce sync.Once
	cipherInst cipher.AEAD
	cipherErr  error
)

func getCipher() (cipher.AEAD, error) {
	cipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(secretKeyEnv))
		if rawKey == "" {
			cipherErr = ErrNoKey
			return
		}

		block, err := aes.NewCipher(deriveKey(rawKey))
		if err != nil {
			cipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			cipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}
		cipherInst = gcm
	})

	return cipherInst, cipherErr
}

// deriveKey accepts a base64 AES key of 16, 24 or 32 bytes; anything else is
// hashed to 32 bytes.
func deriveKey(raw string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded
		}
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// Enabled reports whether a usable encryption key is configured.
func Enabled() bool {
	_, err := getCipher()
	return err == nil
}

func EncryptSecret(plain string) (string, error) {
	if plain == "" || IsEncrypted(plain) {
		return plain, nil
	}

	gcm, err := getCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	payload := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return EncryptionPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptSecret opens a sealed value. Values without the prefix are returned
// unchanged with plain set, so hand-edited settings keep working.
func DecryptSecret(value string) (secret string, plain bool, err error) {
	if !IsEncrypted(value) {
		return value, true, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptionPrefix))
	if err != nil {
		return "", false, fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := getCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", false, errors.New("ciphertext too short")
	}

	opened, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(opened), false, nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptionPrefix)
}

func ResetForTests() {
	cipherOnce = sync.Once{}
	cipherInst = nil
	cipherErr = nil
}
