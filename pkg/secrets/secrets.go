// Package secrets encrypts stored credentials with age and signs exported
// archives with an Ed25519 key derived from the same age identity.
package secrets

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/btcsuite/btcutil/bech32"
)

// ErrNoKey is returned by Box methods that need a key when none is configured.
var ErrNoKey = errors.New("no age secret key configured")

// Box seals and opens credential strings. A zero Box stores values as-is so
// development setups without a key keep working.
type Box struct {
	identity   *age.X25519Identity
	recipient  *age.X25519Recipient
	privateKey ed25519.PrivateKey
}

// New parses an AGE-SECRET-KEY-1... identity. An empty key returns a
// passthrough Box.
func New(secretKey string) (*Box, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return &Box{}, nil
	}

	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	seed, err := decodeSecretKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}

	return &Box{
		identity:   identity,
		recipient:  identity.Recipient(),
		privateKey: ed25519.NewKeyFromSeed(seed),
	}, nil
}

// Enabled reports whether a key is configured.
func (b *Box) Enabled() bool {
	return b != nil && b.identity != nil
}

// Recipient returns the age1... public recipient, or "" without a key.
func (b *Box) Recipient() string {
	if !b.Enabled() {
		return ""
	}
	return b.recipient.String()
}

// Seal encrypts plaintext into an armored age message.
func (b *Box) Seal(plaintext string) (string, error) {
	if !b.Enabled() || plaintext == "" {
		return plaintext, nil
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, b.recipient)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("armor: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts a value produced by Seal. Values that are not armored age
// messages are returned unchanged.
func (b *Box) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, armor.Header) {
		return sealed, nil
	}
	if !b.Enabled() {
		return "", ErrNoKey
	}

	r, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), b.identity)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(out), nil
}

// Sign returns a base64 Ed25519 signature of payload.
func (b *Box) Sign(payload []byte) (string, error) {
	if !b.Enabled() {
		return "", ErrNoKey
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(b.privateKey, payload)), nil
}

// Verify checks a signature produced by Sign.
func (b *Box) Verify(payload []byte, signature string) error {
	if !b.Enabled() {
		return ErrNoKey
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	pub := b.privateKey.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKey returns the base64 Ed25519 verification key.
func (b *Box) PublicKey() string {
	if !b.Enabled() {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b.privateKey.Public().(ed25519.PublicKey))
}

func decodeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
