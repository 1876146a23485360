// Package signing generates and verifies license keys bound to a plugin
// identifier with a pre-shared HMAC secret. It needs no storage: a key that
// verifies was produced by Generate for that plugin and secret, but may still
// be unknown, revoked, or expired.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// MinSecretLength is the minimum signing secret length in characters.
const MinSecretLength = 16

const (
	nonceLength     = 20
	signatureLength = 16 // Truncated HMAC-SHA-256 digest length in bytes.
	separator       = "."
)

// nonceAlphabet omits the visually confusable 0/O and 1/I. Its length is 32,
// so masking a random byte with 31 selects a character without modulo bias.
const nonceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ErrSecretTooShort is returned by New when the signing secret is missing or
// shorter than MinSecretLength.
var ErrSecretTooShort = errors.New("license signing secret must be at least 16 characters")

// Signer generates and verifies license keys. It is safe for concurrent use.
type Signer struct {
	secret []byte
}

// New creates a Signer for the given secret. The secret is copied and never
// exposed again.
func New(secret string) (*Signer, error) {
	if utf8.RuneCountInString(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Generate returns a new key of the form nonce.signature for pluginID.
func (s *Signer) Generate(pluginID string) string {
	nonce := randomNonce()
	return nonce + separator + s.sign(model.NormalizePluginID(pluginID), nonce)
}

// Verify reports whether key was generated by this Signer for pluginID.
func (s *Signer) Verify(pluginID, key string) bool {
	sep := strings.LastIndex(key, separator)
	if sep <= 0 || sep == len(key)-1 {
		return false
	}

	nonce, got := key[:sep], key[sep+1:]
	want := s.sign(model.NormalizePluginID(pluginID), nonce)
	return hmac.Equal([]byte(got), []byte(want))
}

func (s *Signer) sign(normalizedPluginID, nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(normalizedPluginID + ":" + nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:signatureLength])
}

func randomNonce() string {
	buf := make([]byte, nonceLength)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)

	for i, b := range buf {
		buf[i] = nonceAlphabet[b&31]
	}
	return string(buf)
}
