package legacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Stored passwords carrying this prefix are encrypted with the old
// on-device scheme: base64(salt | nonce | AES-256-GCM ciphertext), the
// key derived from the device secret with PBKDF2-SHA256.
const encPrefix = "$AJXP_ENC$"

const (
	saltLen    = 16
	nonceLen   = 12
	keyLen     = 32
	iterations = 10000
)

// deviceSecret is the static key material the old generations derived
// their password key from.
func deviceSecret() []byte {
	return []byte("com.pydio.android.legacy.keychain")
}

func decryptPassword(encoded string, secret []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding stored password: %w", err)
	}

	if len(raw) < saltLen+nonceLen+1 {
		return "", fmt.Errorf("stored password too short (%d bytes)", len(raw))
	}

	salt, nonce, ciphertext := raw[:saltLen], raw[saltLen:saltLen+nonceLen], raw[saltLen+nonceLen:]

	gcm, err := passwordCipher(secret, salt)
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting stored password: %w", err)
	}

	return string(plain), nil
}

// encryptPassword is the forward direction of the same scheme. The
// migration never writes legacy stores; this exists to produce fixtures
// and to round-trip-check the parameters.
func encryptPassword(plain string, secret []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	gcm, err := passwordCipher(secret, salt)
	if err != nil {
		return "", err
	}

	raw := append(append(salt, nonce...), gcm.Seal(nil, nonce, []byte(plain), nil)...)

	return encPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

func passwordCipher(secret, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}
