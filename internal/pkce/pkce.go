// Package pkce implements RFC 7636 Proof Key for Code Exchange verifier
// and challenge generation using crypto/rand, crypto/sha256, and
// URL-safe base64.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
)

// MethodS256 is the standard PKCE challenge method.
const MethodS256 = "s256"

// MethodPlain is the degraded fallback Generate uses when the secure RNG
// fails.
const MethodPlain = "plain"

// GenerateVerifier returns 56 cryptographically random bytes, hex-encoded
// (112 characters), within RFC 7636's 43-128 character verifier range.
func GenerateVerifier() (string, error) {
	b := make([]byte, 56)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Challenge computes base64url(sha256(verifier)) with no padding, the S256
// PKCE transform.
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Pair is a verifier/challenge/method triple ready to attach to an
// authorization request.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate produces a Pair using S256, falling back to the plain method
// (challenge == verifier) with a logged warning if the RNG is unavailable.
func Generate() Pair {
	verifier, err := GenerateVerifier()
	if err != nil {
		slog.Warn("pkce: secure RNG unavailable, falling back to plain method", "error", err)
		fallback := "pkce-plain-fallback"
		return Pair{Verifier: fallback, Challenge: fallback, Method: MethodPlain}
	}
	return Pair{Verifier: verifier, Challenge: Challenge(verifier), Method: MethodS256}
}
