package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/supa-kit/supa-go/internal/errs"
	"github.com/supa-kit/supa-go/internal/lock"
	"github.com/supa-kit/supa-go/internal/pkce"
)

const passwordRecoverySuffix = "/PASSWORD_RECOVERY"

func (e *Engine) pkceStorageKey() string {
	return e.cfg.StorageKey + "-code-verifier"
}

// beginPKCE generates and stores a verifier for an outbound OAuth URL
// build / OTP send / SSO / reset-password call
// isPasswordRecovery is set, the stored value is suffixed with
// /PASSWORD_RECOVERY so exchangeCodeForSession later knows to emit
// PASSWORD_RECOVERY instead of SIGNED_IN.
func (e *Engine) beginPKCE(ctx context.Context, isPasswordRecovery bool) (pkce.Pair, error) {
	pair := pkce.Generate()
	stored := pair.Verifier
	if isPasswordRecovery {
		stored += passwordRecoverySuffix
	}
	if err := e.cfg.Storage.Set(ctx, e.pkceStorageKey(), stored); err != nil {
		return pkce.Pair{}, err
	}
	return pair, nil
}

// consumePKCEVerifier retrieves and deletes the stored verifier exactly
// once
// bare verifier and whether it carried the password-recovery suffix.
func (e *Engine) consumePKCEVerifier(ctx context.Context) (verifier string, isPasswordRecovery bool, err error) {
	raw, ok, err := e.cfg.Storage.Get(ctx, e.pkceStorageKey())
	if err != nil {
		return "", false, err
	}
	if !ok || raw == "" {
		return "", false, errs.NewPKCEGrantCodeExchange()
	}
	_ = e.cfg.Storage.Remove(ctx, e.pkceStorageKey())

	if stripped, found := strings.CutSuffix(raw, passwordRecoverySuffix); found {
		return stripped, true, nil
	}
	return raw, false, nil
}

// BeginPKCEFlow generates and stores a verifier for a caller about to build
// an OAuth authorize URL, send an OTP, start SSO, or request a password
// reset . Only meaningful when cfg.FlowType is "pkce"; callers
// using the implicit flow should not call this. isPasswordRecovery marks
// the reset-password case so the later exchange emits PASSWORD_RECOVERY
// instead of SIGNED_IN. Returns the challenge and method to attach to the
// outbound request as code_challenge/code_challenge_method.
func (e *Engine) BeginPKCEFlow(ctx context.Context, isPasswordRecovery bool) (challenge, method string, err error) {
	pair, err := e.beginPKCE(ctx, isPasswordRecovery)
	if err != nil {
		return "", "", err
	}
	return pair.Challenge, pair.Method, nil
}

type codeExchangeRequest struct {
	AuthCode     string `json:"auth_code"`
	CodeVerifier string `json:"code_verifier"`
}

// ExchangeCodeForSession retrieves and consumes (deletes) the PKCE
// verifier stored by BeginPKCEFlow exactly once, exchanges it with the
// auth server's /token?grant_type=pkce endpoint, persists the resulting
// session, and emits PASSWORD_RECOVERY if the verifier carried that suffix,
// SIGNED_IN otherwise . If no verifier is
// on file, returns a PKCEGrantCodeExchangeError without contacting the
// server.
func (e *Engine) ExchangeCodeForSession(ctx context.Context, code string) (*Session, error) {
	return lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, func(ctx context.Context) (*Session, error) {
		verifier, isPasswordRecovery, err := e.consumePKCEVerifier(ctx)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(codeExchangeRequest{AuthCode: code, CodeVerifier: verifier})
		if err != nil {
			return nil, err
		}
		resp, err := e.do(ctx, http.MethodPost, "/token?grant_type=pkce", body, map[string]string{
			"Content-Type": "application/json",
		})
		if err != nil {
			return nil, err
		}
		var parsed tokenResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, &errs.InvalidTokenResponseError{Base: errs.Base{Message: "malformed /token response"}}
		}
		if parsed.AccessToken == "" || parsed.RefreshToken == "" {
			return nil, &errs.InvalidTokenResponseError{Base: errs.Base{Message: "missing tokens in /token response"}}
		}

		expiresAt := nowMillis()/1000 + parsed.ExpiresIn
		tokenType := parsed.TokenType
		if tokenType == "" {
			tokenType = "bearer"
		}
		sess := &Session{
			AccessToken:  parsed.AccessToken,
			RefreshToken: parsed.RefreshToken,
			TokenType:    tokenType,
			ExpiresAt:    expiresAt,
			User:         parsed.User,
		}
		if err := e.persistLocked(ctx, sess); err != nil {
			return nil, err
		}

		if isPasswordRecovery {
			e.bus.publish(AuthStateChange{Event: EventPasswordRecover, Session: sess})
		} else {
			e.bus.publish(AuthStateChange{Event: EventSignedIn, Session: sess})
		}
		return sess, nil
	})
}
