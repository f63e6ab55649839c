// Package errs classifies HTTP responses and transport failures into the
// typed error hierarchy shared by every service client in supa-go.
package errs

import (
	"encoding/json"
	"fmt"
)

// Base is embedded by every typed error so callers can type-assert down to
// the common fields without losing the concrete error identity.
type Base struct {
	Message string
	Status  int
	Code    string
	Context any
}

func (b *Base) Error() string {
	if b.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", b.Message, b.Code, b.Status)
	}
	return fmt.Sprintf("%s (status %d)", b.Message, b.Status)
}

// ApiError is a semantic error returned by the server as a JSON error body.
type ApiError struct{ Base }

// RetryableFetchError marks a transport failure the caller should retry:
// connect-refused, DNS failure, or a 502/503/504 response. An abort
// (timeout or caller cancel) is a FetchError instead.
type RetryableFetchError struct{ Base }

// UnknownError wraps a non-2xx response whose body wasn't JSON.
type UnknownError struct{ Base }

// SessionMissingError is returned when an operation requires a session that
// isn't present.
type SessionMissingError struct{ Base }

// InvalidTokenResponseError marks a malformed token endpoint response.
type InvalidTokenResponseError struct{ Base }

// InvalidCredentialsError is a client-side precondition failure (e.g. empty
// email/password) that never reaches the network.
type InvalidCredentialsError struct{ Base }

// WeakPasswordError carries the server's rejection reasons for a weak
// password. It is a specialization of ApiError.
type WeakPasswordError struct {
	Base
	Reasons []string
}

// PKCEGrantCodeExchangeError is returned when exchange_code_for_session is
// called without a stored PKCE verifier.
type PKCEGrantCodeExchangeError struct{ Base }

// LockAcquireTimeoutError is returned when a named lock could not be
// acquired within its configured timeout.
type LockAcquireTimeoutError struct{ Base }

// RelayError is returned by the Realtime/Functions flavor when the response
// carries the `x-relay-error: true` sentinel header, regardless of status.
type RelayError struct{ Base }

// FetchError wraps a caught transport exception for the Realtime/Functions
// flavor (e.g. a cancelled or timed-out request).
type FetchError struct{ Base }

func (e *ApiError) Error() string                     { return e.Base.Error() }
func (e *RetryableFetchError) Error() string           { return e.Base.Error() }
func (e *UnknownError) Error() string                  { return e.Base.Error() }
func (e *SessionMissingError) Error() string           { return e.Base.Error() }
func (e *InvalidTokenResponseError) Error() string     { return e.Base.Error() }
func (e *InvalidCredentialsError) Error() string       { return e.Base.Error() }
func (e *WeakPasswordError) Error() string              { return e.Base.Error() }
func (e *PKCEGrantCodeExchangeError) Error() string     { return e.Base.Error() }
func (e *LockAcquireTimeoutError) Error() string        { return e.Base.Error() }
func (e *RelayError) Error() string                     { return e.Base.Error() }
func (e *FetchError) Error() string                     { return e.Base.Error() }

// NewSessionMissing builds a SessionMissingError.
func NewSessionMissing() error {
	return &SessionMissingError{Base{Message: "auth session missing", Status: 0, Code: "session_not_found"}}
}

// NewInvalidCredentials builds an InvalidCredentialsError for a client-side
// precondition failure.
func NewInvalidCredentials(msg string) error {
	return &InvalidCredentialsError{Base{Message: msg, Status: 400, Code: "invalid_credentials"}}
}

// NewLockTimeout builds a LockAcquireTimeoutError for the named lock.
func NewLockTimeout(name string) error {
	return &LockAcquireTimeoutError{Base{
		Message: fmt.Sprintf("timed out acquiring lock %q", name),
		Status:  0,
		Code:    "lock_acquire_timeout",
	}}
}

// NewPKCEGrantCodeExchange builds a PKCEGrantCodeExchangeError.
func NewPKCEGrantCodeExchange() error {
	return &PKCEGrantCodeExchangeError{Base{
		Message: "code verifier could not be found, please make sure it is already saved",
		Status:  400,
		Code:    "pkce_grant_code_exchange_error",
	}}
}

// apiErrorBody is the shape of a PostgREST/Auth JSON error response.
type apiErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"msg"`
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
	ErrorDesc string `json:"error_description"`

	WeakPassword *struct {
		Reasons []string `json:"reasons"`
	} `json:"weak_password"`
}

// Response is the minimal shape the classifier needs from an HTTP response;
// callers adapt *http.Response into this to keep the classifier free of a
// net/http dependency.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// FromResponse classifies a completed HTTP response. An `x-relay-error:
// true` header yields a RelayError whatever the status; otherwise it
// returns nil for any 2xx status.
func FromResponse(resp Response) error {
	if resp.Headers["x-relay-error"] == "true" {
		return &RelayError{Base{Message: "relay reported an error", Status: resp.Status, Context: string(resp.Body)}}
	}

	switch resp.Status {
	case 502, 503, 504:
		return &RetryableFetchError{Base{Message: "upstream temporarily unavailable", Status: resp.Status}}
	}

	if resp.Status >= 200 && resp.Status <= 299 {
		return nil
	}

	if resp.Status >= 400 && resp.Status <= 499 {
		var body apiErrorBody
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			if body.ErrorCode == "weak_password" && body.WeakPassword != nil {
				return &WeakPasswordError{
					Base:    Base{Message: body.Message, Status: resp.Status, Code: body.ErrorCode},
					Reasons: body.WeakPassword.Reasons,
				}
			}
			msg := firstNonEmpty(body.Message, body.ErrorDesc, body.Error)
			code := firstNonEmpty(body.ErrorCode, body.Code)
			return &ApiError{Base{Message: msg, Status: resp.Status, Code: code, Context: string(resp.Body)}}
		}
	}

	if resp.Status >= 400 {
		return &UnknownError{Base{Message: "unexpected response", Status: resp.Status, Context: string(resp.Body)}}
	}

	return nil
}

// FromTransportError classifies a transport-level failure (connect refused,
// DNS resolution, or abort/timeout). isAbort distinguishes a caller-driven
// cancellation (fatal, surfaced as FetchError) from a genuine network
// failure (retryable).
func FromTransportError(err error, isAbort bool) error {
	if isAbort {
		return &FetchError{Base{Message: err.Error(), Status: 0, Context: err}}
	}
	return &RetryableFetchError{Base{Message: err.Error(), Status: 0, Context: err}}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
