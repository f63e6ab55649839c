package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/supa-kit/supa-go/internal/errs"
	"github.com/supa-kit/supa-go/internal/jwt"
	"github.com/supa-kit/supa-go/internal/lock"
	"github.com/supa-kit/supa-go/internal/storage"
	"github.com/supa-kit/supa-go/internal/transport"
)

// lockName is the single named lock every Engine operation that touches
// storage or performs a refresh serializes through.
const lockName = "supa-go-session"

// DefaultLockTimeoutMs is the default lock acquisition timeout.
const DefaultLockTimeoutMs = 10_000

// Config wires an Engine to its collaborators: grouped, zero-value-sane
// fields defaulted by withDefaults rather than constructor arguments.
type Config struct {
	AuthURL        string
	Doer           transport.Doer // unauthenticated — the engine IS the token source
	ClientInfo     transport.ClientInfo
	Storage        storage.Adapter
	StorageKey     string
	AutoRefresh    bool
	PersistSession bool
	FlowType       string // "implicit" | "pkce"
}

func (c *Config) withDefaults() {
	if c.StorageKey == "" {
		c.StorageKey = sessionStorageKey
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
	if c.FlowType == "" {
		c.FlowType = "implicit"
	}
}

// Engine is the Session Engine: persistence, expiry-aware refresh with
// single-flight deduplication, background auto-refresh, PKCE verifier
// lifecycle, and event-subscription fan-out.
type Engine struct {
	cfg     Config
	lockMgr *lock.Manager
	bus     *subscriptionBus

	refreshMu     sync.Mutex
	refreshFuture *refreshFuture

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}

	// memSession backs loadLocked/persistLocked/clearLocked when
	// cfg.PersistSession is false: the session is still held for the life
	// of the process, just never written to cfg.Storage . Only ever
	// touched while the named lock is held.
	memSession *Session
}

// NewEngine constructs an Engine, starting the auto-refresh loop if
// cfg.AutoRefresh is set.
func NewEngine(cfg Config) *Engine {
	cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		lockMgr: lock.NewManager(),
		bus:     newSubscriptionBus(),
	}
	if cfg.AutoRefresh {
		e.StartAutoRefresh()
	}
	return e
}

// GetSession loads the persisted session, refreshing it first if it's
// within EXPIRY_MARGIN_MS of expiry. On refresh failure the local session
// is removed and the error is returned.
func (e *Engine) GetSession(ctx context.Context) (*Session, error) {
	return lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, func(ctx context.Context) (*Session, error) {
		sess, err := e.loadLocked(ctx)
		if err != nil || sess == nil {
			return nil, err
		}
		if sess.Expired(nowMillis()) {
			refreshed, err := e.refreshLocked(ctx, sess.RefreshToken)
			if err != nil {
				_ = e.clearLocked(ctx)
				return nil, err
			}
			return refreshed, nil
		}
		return sess, nil
	})
}

// AccessToken resolves the current access token for use as a
// transport.TokenResolver/realtime.TokenResolver: loads (refreshing if
// needed, exactly like GetSession) and returns its access token, or
// errs.SessionMissingError if there is none.
func (e *Engine) AccessToken(ctx context.Context) (string, error) {
	sess, err := e.GetSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", errs.NewSessionMissing()
	}
	return sess.AccessToken, nil
}

// GetUser always hits the server and never returns a cached value. If jwtOverride
// is empty, the current session's access token is used.
func (e *Engine) GetUser(ctx context.Context, jwtOverride string) (*User, error) {
	token := jwtOverride
	if token == "" {
		sess, err := e.GetSession(ctx)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, errs.NewSessionMissing()
		}
		token = sess.AccessToken
	}

	resp, err := e.do(ctx, http.MethodGet, "/user", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, err
	}
	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, &errs.InvalidTokenResponseError{Base: errs.Base{Message: "malformed /user response"}}
	}
	return &user, nil
}

// SetSession decodes access, and either refreshes immediately (if expired)
// or builds a Session from its claims, persisting it and emitting
// SIGNED_IN followed by TOKEN_REFRESHED.
func (e *Engine) SetSession(ctx context.Context, access, refresh string) (*Session, error) {
	return lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, func(ctx context.Context) (*Session, error) {
		claims, ok := jwt.Decode(access)
		if !ok {
			return nil, &errs.InvalidTokenResponseError{Base: errs.Base{Message: "could not decode access token"}}
		}
		if claims.Exp*1000 <= nowMillis() {
			return e.refreshLocked(ctx, refresh)
		}
		sess := sessionFromClaims(access, refresh, claims)
		if err := e.persistLocked(ctx, sess); err != nil {
			return nil, err
		}
		e.bus.publish(AuthStateChange{Event: EventSignedIn, Session: sess})
		e.bus.publish(AuthStateChange{Event: EventTokenRefreshed, Session: sess})
		return sess, nil
	})
}

// RefreshSession is the refresh_session operation: it forces a
// POST /token?grant_type=refresh_token, using providedRefreshToken if
// non-empty or else the currently persisted session's refresh token.
// Concurrent callers attach to a single in-flight call and observe the
// same result rather than each issuing their own request; see
// refreshSingleFlight.
func (e *Engine) RefreshSession(ctx context.Context, providedRefreshToken string) (*Session, error) {
	return e.refreshSingleFlight(ctx, providedRefreshToken)
}

// SignOut: scope "others" only calls the server; "local" and
// "global" always remove the local session and emit SIGNED_OUT regardless
// of server outcome; "global" additionally calls /logout.
func (e *Engine) SignOut(ctx context.Context, scope SignOutScope) error {
	return lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, func(ctx context.Context) (struct{}, error) {
		sess, _ := e.loadLocked(ctx)

		if scope == ScopeOthers {
			if sess != nil {
				_, _ = e.do(ctx, http.MethodPost, "/logout?scope=others", nil, authHeader(sess.AccessToken))
			}
			return struct{}{}, nil
		}

		if scope == ScopeGlobal && sess != nil {
			_, _ = e.do(ctx, http.MethodPost, "/logout?scope=global", nil, authHeader(sess.AccessToken))
		}

		e.StopAutoRefresh()
		_ = e.clearLocked(ctx)
		e.bus.publish(AuthStateChange{Event: EventSignedOut, Session: nil})
		return struct{}{}, nil
	})
}

// OnAuthStateChange registers a subscriber and asynchronously delivers
// exactly one INITIAL_SESSION event carrying the currently persisted
// session . Callback panics/errors are caught and logged.
func (e *Engine) OnAuthStateChange(cb func(AuthStateChange)) *Subscription {
	sub := e.bus.subscribe(cb)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess, _ := lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, e.loadLocked)
		sub.deliverInitial(AuthStateChange{Event: EventInitialSession, Session: sess})
	}()
	return sub
}

// --- locked helpers (caller must hold the Engine's named lock) ---

func (e *Engine) loadLocked(ctx context.Context) (*Session, error) {
	if !e.cfg.PersistSession {
		return e.memSession, nil
	}
	raw, ok, err := e.cfg.Storage.Get(ctx, e.cfg.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if !ok {
		return nil, nil
	}
	sess, err := unmarshalSession(raw)
	if err != nil {
		return nil, fmt.Errorf("session: decode stored session: %w", err)
	}
	return sess, nil
}

// persistLocked writes sess to cfg.Storage when PersistSession is set;
// otherwise it's kept only in memSession for the life of the process, per
// "still held in memory otherwise".
func (e *Engine) persistLocked(ctx context.Context, sess *Session) error {
	if !e.cfg.PersistSession {
		e.memSession = sess
		return nil
	}
	raw, err := marshalSession(sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	return e.cfg.Storage.Set(ctx, e.cfg.StorageKey, raw)
}

func (e *Engine) clearLocked(ctx context.Context) error {
	if !e.cfg.PersistSession {
		e.memSession = nil
		return nil
	}
	return e.cfg.Storage.Remove(ctx, e.cfg.StorageKey)
}

// --- HTTP ---

func authHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *Engine) do(ctx context.Context, method, path string, body []byte, extraHeaders map[string]string) (transport.Response, error) {
	headers := http.Header{}
	for k, v := range extraHeaders {
		headers.Set(k, v)
	}
	resp, err := e.cfg.Doer(ctx, transport.Request{
		Method:  method,
		URL:     e.cfg.AuthURL + path,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return transport.Response{}, errs.FromTransportError(err, ctx.Err() != nil)
	}
	if classified := errs.FromResponse(errs.Response{Status: resp.Status, Headers: flattenHeader(resp.Headers), Body: resp.Body}); classified != nil {
		return resp, classified
	}
	return resp, nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
