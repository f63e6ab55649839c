package supa

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/supa-kit/supa-go/internal/storage"
)

// FlowType selects how the Session Engine handles OAuth/OTP/recovery
// verifier exchange.
type FlowType string

const (
	FlowImplicit FlowType = "implicit"
	FlowPKCE     FlowType = "pkce"
)

// AuthOptions groups the Session Engine's configuration surface: grouped,
// zero-value-sane fields with a separate defaulting pass rather than
// constructor arguments.
type AuthOptions struct {
	AutoRefreshToken bool
	PersistSession   bool
	DetectSessionInURL bool
	FlowType         FlowType
	StorageKey       string
	Storage          storage.Adapter
}

// RealtimeOptions groups the Realtime Client's configuration surface:
// heartbeat_interval_ms, timeout, vsn, params, reconnect_after_ms.
type RealtimeOptions struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	VSN               string
	Params            map[string]string
	ReconnectAfter    func(tries int) time.Duration
	LogLevel          string
}

// ClientOptions is the top-level configuration surface for NewClient,
// grouped by concern: session, realtime, postgrest.
type ClientOptions struct {
	Schema string // PostgREST schema; defaults to "public"

	Auth     AuthOptions
	Realtime RealtimeOptions

	// AccessToken, when set, puts the client in third-party auth mode:
	// Auth is a throwing proxy and every resolved token comes from this
	// callback instead of the Session Engine.
	AccessToken func(ctx context.Context) (string, error)

	// RequestTimeout bounds every HTTP Plane call that doesn't supply its
	// own per-call timeout.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns a ClientOptions with sane, documented zero-value
// defaults — struct field defaults rather than env-var sourcing, since
// this is a library, not a standalone service.
func DefaultOptions() ClientOptions {
	return ClientOptions{
		Schema: "public",
		Auth: AuthOptions{
			AutoRefreshToken:   true,
			PersistSession:     true,
			DetectSessionInURL: true,
			FlowType:           FlowImplicit,
			StorageKey:         "supabase.auth.token",
		},
		Realtime: RealtimeOptions{
			HeartbeatInterval: 25 * time.Second,
			Timeout:           10 * time.Second,
			VSN:               "2.0.0",
		},
		RequestTimeout: 30 * time.Second,
	}
}

// configError wraps a validation failure, naming the offending field.
type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	return fmt.Sprintf("supa: invalid option %s: %s", e.field, e.reason)
}

// Validate checks required-field presence, not full semantic validation —
// URL/key shape is validated by NewClient, which knows the two arguments'
// intended roles.
func (o *ClientOptions) Validate() error {
	if o.Schema == "" {
		return &configError{field: "Schema", reason: "must not be empty"}
	}
	if o.RequestTimeout <= 0 {
		return &configError{field: "RequestTimeout", reason: "must be positive"}
	}
	return nil
}

func (o *ClientOptions) withDefaults() {
	def := DefaultOptions()
	if o.Schema == "" {
		o.Schema = def.Schema
	}
	if o.Auth.StorageKey == "" {
		o.Auth.StorageKey = def.Auth.StorageKey
	}
	if o.Auth.FlowType == "" {
		o.Auth.FlowType = def.Auth.FlowType
	}
	if o.Auth.Storage == nil {
		o.Auth.Storage = storage.NewMemory()
	}
	if o.Realtime.HeartbeatInterval <= 0 {
		o.Realtime.HeartbeatInterval = def.Realtime.HeartbeatInterval
	}
	if o.Realtime.Timeout <= 0 {
		o.Realtime.Timeout = def.Realtime.Timeout
	}
	if o.Realtime.VSN == "" {
		o.Realtime.VSN = def.Realtime.VSN
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
