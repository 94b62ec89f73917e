// Package tokens provides the two cryptographic capabilities of the
// gateway: authenticated symmetric encryption of opaque medical payloads,
// and signed session tokens with an absolute expiry.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
)

const (
	// cryptoVersion prefixes every ciphertext so keys can rotate.
	cryptoVersion = "v1"
	cryptoAlg     = "aes-256-gcm"
)

// EncryptedPayload is the stable envelope for an encrypted medical blob.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"` // version:base64(nonce|sealed)
	Alg        string `json:"alg"`
	TS         int64  `json:"ts"` // unix millis at encryption
}

// PayloadCipher performs authenticated encryption over opaque blobs.
type PayloadCipher struct {
	aead cipher.AEAD
}

// NewPayloadCipher derives a 256-bit key from the configured secret. An
// empty secret is a configuration error: the gateway must not serve
// medical endpoints without payload crypto.
func NewPayloadCipher(secret string) (*PayloadCipher, error) {
	if secret == "" {
		return nil, apperr.New(apperr.CodeConfiguration, "encryption key is not configured")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfiguration, "failed to initialize cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeConfiguration, "failed to initialize GCM")
	}
	return &PayloadCipher{aead: aead}, nil
}

// Encrypt seals plaintext into a versioned envelope.
func (p *PayloadCipher) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := p.aead.Seal(nonce, nonce, plaintext, nil)
	return &EncryptedPayload{
		Ciphertext: cryptoVersion + ":" + base64.StdEncoding.EncodeToString(sealed),
		Alg:        cryptoAlg,
		TS:         time.Now().UnixMilli(),
	}, nil
}

// Decrypt opens an envelope, rejecting anything whose version, alg, ts, or
// MAC is inconsistent.
func (p *PayloadCipher) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if payload.Alg != cryptoAlg {
		return nil, fmt.Errorf("unsupported algorithm %q", payload.Alg)
	}
	if payload.TS <= 0 || payload.TS > time.Now().Add(time.Minute).UnixMilli() {
		return nil, fmt.Errorf("implausible payload timestamp %d", payload.TS)
	}
	version, encoded, ok := strings.Cut(payload.Ciphertext, ":")
	if !ok || version != cryptoVersion {
		return nil, fmt.Errorf("unsupported ciphertext version")
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(sealed) < p.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := sealed[:p.aead.NonceSize()], sealed[p.aead.NonceSize():]
	plaintext, err := p.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}
