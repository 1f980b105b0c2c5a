package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// MaxAuthAttempts is the number of bad signatures tolerated before the
// engine drops the connection.
const MaxAuthAttempts = 3

// Authenticator signs and verifies handshake challenges with a shared secret.
type Authenticator struct {
	sharedSecret string
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(sharedSecret string) *Authenticator {
	return &Authenticator{
		sharedSecret: sharedSecret,
	}
}

// GenerateChallenge returns 32 random bytes as hex.
func (a *Authenticator) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge.
func (a *Authenticator) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against challenge in constant time.
func (a *Authenticator) Verify(challenge, signature string) bool {
	if challenge == "" {
		return false
	}
	expected := a.Sign(challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
