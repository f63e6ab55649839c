// Package jwt decodes (without verifying) the JWT access tokens issued by
// the auth server, and provides a base64url codec tolerant of padding and
// whitespace the way browser/runtime base64url decoders are.
package jwt

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Claims is the subset of standard JWT claims the Session Engine consults
// to build a Session from a raw access token.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Role    string `json:"role,omitempty"`
	Exp     int64  `json:"exp"`
	Iat     int64  `json:"iat,omitempty"`
	Aud     any    `json:"aud,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Raw     map[string]any `json:"-"`
}

// Decode splits s on ".", requiring exactly 3 parts, base64url-decodes the
// middle segment, and JSON-parses it into Claims. It performs no signature
// verification. Any failure returns (nil, false) rather than an error.
func Decode(s string) (*Claims, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, false
	}

	payload, err := DecodeBase64URL(parts[1])
	if err != nil {
		return nil, false
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, false
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	claims.Raw = raw
	return &claims, true
}

// DecodeBase64URL decodes s using the URL-safe alphabet, tolerating both
// padded and unpadded input and surrounding whitespace.
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
			return -1
		}
		return r
	}, s)

	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(padBase64(s))
}

// EncodeBase64URL encodes b using the URL-safe alphabet without padding.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func padBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}
