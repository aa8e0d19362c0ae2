package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	formatPlain  byte = 'p'
	formatSealed byte = 'e'
)

// ErrMissingSecret is returned when sealed data is opened without a secret.
var ErrMissingSecret = errors.New("crypto: secret required to open sealed payload")

const keyInfo = "orbitec env vars v1"

// deriveKey stretches arbitrary key material into a 32 byte AES key.
func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext using AES-GCM with a random nonce prefix.
func Encrypt(secret string, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(secret string, payload []byte) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

// EnvSealer encodes application environment maps for storage. Without a
// secret the map is stored as tagged JSON so rows stay readable once a
// secret is configured later.
type EnvSealer struct {
	secret string
}

// NewEnvSealer returns a sealer keyed by secret. An empty secret disables encryption.
func NewEnvSealer(secret string) EnvSealer {
	return EnvSealer{secret: secret}
}

// Seal serializes vars into a storable payload.
func (s EnvSealer) Seal(vars map[string]string) ([]byte, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode env vars: %w", err)
	}
	if s.secret == "" {
		return append([]byte{formatPlain}, raw...), nil
	}
	sealed, err := Encrypt(s.secret, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt env vars: %w", err)
	}
	return append([]byte{formatSealed}, sealed...), nil
}

// Open reverses Seal. Empty payloads yield an empty map.
func (s EnvSealer) Open(payload []byte) (map[string]string, error) {
	vars := map[string]string{}
	if len(payload) == 0 {
		return vars, nil
	}
	body := payload[1:]
	switch payload[0] {
	case formatPlain:
	case formatSealed:
		if s.secret == "" {
			return nil, ErrMissingSecret
		}
		plain, err := Decrypt(s.secret, body)
		if err != nil {
			return nil, fmt.Errorf("decrypt env vars: %w", err)
		}
		body = plain
	default:
		return nil, fmt.Errorf("unknown env payload format %q", payload[0])
	}
	if err := json.Unmarshal(body, &vars); err != nil {
		return nil, fmt.Errorf("decode env vars: %w", err)
	}
	return vars, nil
}
