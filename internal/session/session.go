// Package session implements the Session Engine: persisted session
// lifecycle, single-flight token refresh, the auto-refresh background
// loop, and PKCE verifier bookkeeping.
package session

import (
	"encoding/json"
	"time"

	"github.com/supa-kit/supa-go/internal/jwt"
)

// User is the subset of the authenticated principal the Session Engine
// tracks locally; the full user record is only ever fetched fresh from the
// server via GetUser.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Session is the persisted unit the Storage Adapter stores verbatim as
// JSON under the session key.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
	User         User   `json:"user"`
}

// ExpiryMarginMillis is the slack subtracted from a session's expiry
// before it's considered due for refresh .
const ExpiryMarginMillis = 90_000

// Expired reports whether the session is expired, with EXPIRY_MARGIN_MS of
// slack subtracted from its expiry.
func (s *Session) Expired(nowMillis int64) bool {
	return s.ExpiresAt*1000-ExpiryMarginMillis <= nowMillis
}

func sessionFromClaims(accessToken, refreshToken string, claims *jwt.Claims) *Session {
	return &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    claims.Exp,
		User: User{
			ID:    claims.Subject,
			Email: claims.Email,
			Phone: claims.Phone,
			Role:  claims.Role,
		},
	}
}

func marshalSession(s *Session) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalSession(raw string) (*Session, error) {
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AuthChangeEvent is the event name delivered to on_auth_state_change
// subscribers.
type AuthChangeEvent string

const (
	EventInitialSession  AuthChangeEvent = "INITIAL_SESSION"
	EventSignedIn        AuthChangeEvent = "SIGNED_IN"
	EventSignedOut       AuthChangeEvent = "SIGNED_OUT"
	EventTokenRefreshed  AuthChangeEvent = "TOKEN_REFRESHED"
	EventPasswordRecover AuthChangeEvent = "PASSWORD_RECOVERY"
)

// AuthStateChange is published on the Engine's event bus and delivered to
// every on_auth_state_change subscriber.
type AuthStateChange struct {
	Event   AuthChangeEvent
	Session *Session // nil for SIGNED_OUT
}

// SignOutScope selects sign_out's blast radius.
type SignOutScope string

const (
	ScopeGlobal SignOutScope = "global"
	ScopeLocal  SignOutScope = "local"
	ScopeOthers SignOutScope = "others"
)

const sessionStorageKey = "supa.session"
const pkceVerifierStorageKey = "supa.pkce_verifier"

var nowMillis = func() int64 { return time.Now().UnixMilli() }
