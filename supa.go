// Package supa is the token plane glue: a façade composing the Session
// Engine, the Realtime Client, and an auth-wrapped HTTP Plane shared with
// the PostgREST query builder into one long-lived client.
package supa

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/supa-kit/supa-go/internal/events"
	"github.com/supa-kit/supa-go/internal/postgrest"
	"github.com/supa-kit/supa-go/internal/realtime"
	"github.com/supa-kit/supa-go/internal/session"
	"github.com/supa-kit/supa-go/internal/transport"
)

// SDKName and SDKVersion populate the X-Client-Info header on every
// request.
const (
	SDKName    = "supa-go"
	SDKVersion = "0.1.0"
)

// NewRingLogHandler builds a ring-buffered slog.Handler so a host
// application can surface recent log lines (e.g. in a debug panel).
func NewRingLogHandler(level slog.Leveler, ringSize int) *events.RingLogHandler {
	return events.NewRingLogHandler(level, ringSize)
}

// AuthClient is the Session Engine surface the façade exposes as .Auth.
// *session.Engine satisfies it directly; in third-party auth mode it's
// backed by thirdPartyAuthProxy instead.
type AuthClient interface {
	GetSession(ctx context.Context) (*session.Session, error)
	GetUser(ctx context.Context, jwtOverride string) (*session.User, error)
	SetSession(ctx context.Context, access, refresh string) (*session.Session, error)
	SignOut(ctx context.Context, scope session.SignOutScope) error
	RefreshSession(ctx context.Context, providedRefreshToken string) (*session.Session, error)
	OnAuthStateChange(cb func(session.AuthStateChange)) *session.Subscription
	BeginPKCEFlow(ctx context.Context, isPasswordRecovery bool) (challenge, method string, err error)
	ExchangeCodeForSession(ctx context.Context, code string) (*session.Session, error)
	AccessToken(ctx context.Context) (string, error)
}

// thirdPartyAuthProxy backs Client.Auth in third-party auth mode: every
// method with an error result returns a descriptive error since session
// management belongs to the external provider supplying the access token,
// not to this SDK. OnAuthStateChange, which has no error result, returns a
// nil *Subscription.
type thirdPartyAuthProxy struct{}

var errThirdPartyAuth = fmt.Errorf("supa: Auth is unavailable — this client was constructed with a third-party AccessToken callback; session management belongs to that provider, not to this SDK")

func (thirdPartyAuthProxy) GetSession(context.Context) (*session.Session, error) { return nil, errThirdPartyAuth }
func (thirdPartyAuthProxy) GetUser(context.Context, string) (*session.User, error) {
	return nil, errThirdPartyAuth
}
func (thirdPartyAuthProxy) SetSession(context.Context, string, string) (*session.Session, error) {
	return nil, errThirdPartyAuth
}
func (thirdPartyAuthProxy) SignOut(context.Context, session.SignOutScope) error { return errThirdPartyAuth }
func (thirdPartyAuthProxy) RefreshSession(context.Context, string) (*session.Session, error) {
	return nil, errThirdPartyAuth
}
func (thirdPartyAuthProxy) OnAuthStateChange(func(session.AuthStateChange)) *session.Subscription {
	return nil
}
func (thirdPartyAuthProxy) BeginPKCEFlow(context.Context, bool) (string, string, error) {
	return "", "", errThirdPartyAuth
}
func (thirdPartyAuthProxy) ExchangeCodeForSession(context.Context, string) (*session.Session, error) {
	return nil, errThirdPartyAuth
}
func (thirdPartyAuthProxy) AccessToken(context.Context) (string, error) { return "", errThirdPartyAuth }

// BroadcastChannel is the cross-tab synchronization hook for host platforms
// with multiple windows/tabs sharing storage. A Client subscribes to it but
// never calls Publish itself. On a received SIGNED_OUT the Client signs out
// locally, which emits SIGNED_OUT; on any other event it reloads its
// session through GetSession, which does not emit SIGNED_IN. Go has no
// browser tabs, so the default is a no-op; embedders
// (e.g. a desktop app with multiple windows backed by one on-disk session)
// can supply their own.
type BroadcastChannel interface {
	Publish(ctx context.Context, event string) error
	Subscribe(handler func(event string))
}

type noopBroadcastChannel struct{}

func (noopBroadcastChannel) Publish(context.Context, string) error { return nil }
func (noopBroadcastChannel) Subscribe(func(string))                {}

// Client is the Supabase-style façade: construction derives the five
// service endpoints from one project URL, wires the Session Engine's auth
// state into the Realtime Client's token plane, and hands REST/Storage/
// Functions an auth-wrapping Doer that injects Authorization/apikey.
type Client struct {
	opts ClientOptions

	restURL      string
	authURL      string
	storageURL   string
	functionsURL string
	realtimeURL  string
	apiKey       string

	transportMgr *transport.Manager
	wrappedDoer  transport.Doer
	Auth         AuthClient
	Realtime     *realtime.Client
	rest         *postgrest.Client

	broadcast BroadcastChannel

	mu             sync.Mutex
	lastPropagated string
}

// NewClient validates supabaseURL/supabaseKey, derives the service
// endpoints, and constructs the Session Engine (or a third-party proxy, if
// opts.AccessToken is set), the auth-wrapped PostgREST client, and the
// Realtime Client with its token plane already wired to auth state changes
// .
func NewClient(supabaseURL, supabaseKey string, opts ClientOptions) (*Client, error) {
	base, err := normalizeURL(supabaseURL)
	if err != nil {
		return nil, err
	}
	if supabaseKey == "" {
		return nil, fmt.Errorf("supa: supabaseKey must not be empty")
	}
	opts.withDefaults()

	c := &Client{
		opts:         opts,
		authURL:      base + "/auth/v1",
		restURL:      base + "/rest/v1",
		storageURL:   base + "/storage/v1",
		functionsURL: base + "/functions/v1",
		realtimeURL:  wsURL(base) + "/realtime/v1",
		apiKey:       supabaseKey,
		transportMgr: transport.NewManager(opts.RequestTimeout),
		broadcast:    noopBroadcastChannel{},
	}

	clientInfo := transport.ClientInfo{Name: SDKName, Version: SDKVersion}
	plainDoer := c.transportMgr.Bind(clientInfo)

	var thirdParty bool
	if opts.AccessToken != nil {
		thirdParty = true
		c.Auth = thirdPartyAuthProxy{}
	} else {
		engine := session.NewEngine(session.Config{
			AuthURL:        c.authURL,
			Doer:           plainDoer,
			ClientInfo:     clientInfo,
			Storage:        opts.Auth.Storage,
			StorageKey:     opts.Auth.StorageKey,
			AutoRefresh:    opts.Auth.AutoRefreshToken,
			PersistSession: opts.Auth.PersistSession,
			FlowType:       string(opts.Auth.FlowType),
		})
		c.Auth = engine
	}

	c.wrappedDoer = transport.WrapAuth(plainDoer, c.resolveToken, supabaseKey)
	c.rest = postgrest.NewClient(c.restURL, opts.Schema, c.wrappedDoer, clientInfo)

	c.Realtime = realtime.NewClient(c.realtimeURL, supabaseKey, realtime.Options{
		HeartbeatInterval: opts.Realtime.HeartbeatInterval,
		Timeout:           opts.Realtime.Timeout,
		VSN:               opts.Realtime.VSN,
		Params:            opts.Realtime.Params,
		ReconnectAfter:    opts.Realtime.ReconnectAfter,
		LogLevel:          opts.Realtime.LogLevel,
		AccessToken:       c.resolveToken,
		Logger:            opts.Logger,
	})

	if !thirdParty {
		c.wireAuthToRealtime()
	} else {
		// Seed Realtime once from the third-party callback, fire-and-forget
		// : errors are logged, never returned, since
		// construction must not block on a network call.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if tok, err := opts.AccessToken(ctx); err != nil {
				opts.Logger.Warn("supa: initial third-party access token resolution failed", "error", err)
			} else {
				c.Realtime.SetAuth(ctx, tok)
			}
		}()
	}

	return c, nil
}

// wireAuthToRealtime registers the internal listener that keeps the
// Realtime token plane current in session mode: SIGNED_IN/TOKEN_REFRESHED
// propagate the new token into Realtime if it differs from the last one
// propagated, and SIGNED_OUT clears it.
func (c *Client) wireAuthToRealtime() {
	c.Auth.OnAuthStateChange(func(change session.AuthStateChange) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch change.Event {
		case session.EventSignedIn, session.EventTokenRefreshed:
			if change.Session == nil {
				return
			}
			c.mu.Lock()
			same := change.Session.AccessToken == c.lastPropagated
			c.lastPropagated = change.Session.AccessToken
			c.mu.Unlock()
			if !same {
				c.Realtime.SetAuth(ctx, change.Session.AccessToken)
			}
		case session.EventSignedOut:
			c.mu.Lock()
			c.lastPropagated = ""
			c.mu.Unlock()
			c.Realtime.SetAuth(ctx, "")
		}
	})
}

// resolveToken implements L point 4's
// resolve() = await accessToken() ?? session.access_token ?? anon_key,
// bound into the wrapped Doer handed to the PostgREST/Storage/Functions
// clients and into the Realtime Client's access-token callback.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if c.opts.AccessToken != nil {
		tok, err := c.opts.AccessToken(ctx)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil {
			c.opts.Logger.Warn("supa: AccessToken callback failed, falling back to session/anon key", "error", err)
		}
	}

	if tok, err := c.Auth.AccessToken(ctx); err == nil && tok != "" {
		return tok, nil
	}
	// No third-party callback and no active session (errs.SessionMissingError
	// or any other resolution failure) falls through to the anon key.
	return c.apiKey, nil
}

// From starts a PostgREST query builder against table, using the schema
// configured at construction.
func (c *Client) From(table string) *postgrest.QueryBuilder {
	return c.rest.From(table)
}

// Channel returns (creating if absent) the Realtime channel for subTopic.
func (c *Client) Channel(subTopic string, joinPayload map[string]any) *realtime.Channel {
	return c.Realtime.Channel(subTopic, joinPayload)
}

// StorageURL, FunctionsURL, and AuthURL return the derived service roots
//  for an embedder building a Storage or Functions
// client on top of this package — both are named as out-of-scope,
// mechanical request/response mappers in so this SDK stops at
// providing their endpoint and auth plumbing rather than implementing them.
func (c *Client) StorageURL() string   { return c.storageURL }
func (c *Client) FunctionsURL() string { return c.functionsURL }
func (c *Client) AuthURL() string      { return c.authURL }
func (c *Client) RestURL() string      { return c.restURL }

// WrappedDoer returns the auth-wrapping Doer: it injects Authorization/
// apikey, resolved via resolveToken, into any request that doesn't already
// carry them. An embedder's Storage or Functions client should issue
// requests through this rather than the raw transport.Manager so they
// share the same token plane as PostgREST.
func (c *Client) WrappedDoer() transport.Doer { return c.wrappedDoer }

// SetBroadcastChannel installs a cross-tab synchronization hook; the
// default is a no-op.
func (c *Client) SetBroadcastChannel(bc BroadcastChannel) {
	if bc == nil {
		bc = noopBroadcastChannel{}
	}
	c.broadcast = bc
	c.broadcast.Subscribe(func(event string) {
		c.handleBroadcastEvent(event)
	})
}

// handleBroadcastEvent reacts to a peer tab's session-change event:
// SIGNED_OUT signs out locally (emitting SIGNED_OUT); any other event only
// reloads the session through GetSession, with no SIGNED_IN re-emitted.
func (c *Client) handleBroadcastEvent(event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch event {
	case string(session.EventSignedOut):
		_ = c.Auth.SignOut(ctx, session.ScopeLocal)
	default:
		if _, err := c.Auth.GetSession(ctx); err != nil {
			c.opts.Logger.Warn("supa: cross-tab session reload failed", "error", err)
		}
	}
}

// Close tears down the Realtime connection and the pooled HTTP transports.
func (c *Client) Close() {
	c.Realtime.Disconnect()
	c.transportMgr.Close()
	if engine, ok := c.Auth.(*session.Engine); ok {
		engine.StopAutoRefresh()
	}
}

// normalizeURL validates that raw is an http(s) URL and strips any
// trailing slash
func normalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("supa: supabaseUrl must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("supa: invalid supabaseUrl: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("supa: supabaseUrl must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("supa: supabaseUrl must have a host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// wsURL derives the ws(s):// equivalent of an http(s) base URL (L
// point 2's realtime endpoint derivation).
func wsURL(httpBase string) string {
	if strings.HasPrefix(httpBase, "https://") {
		return "wss://" + strings.TrimPrefix(httpBase, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpBase, "http://")
}
