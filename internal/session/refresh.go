package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/supa-kit/supa-go/internal/errs"
	"github.com/supa-kit/supa-go/internal/lock"
)

// refreshBackoffBase and refreshMaxTries/refreshMaxTotal implement the
// retry policy for POST /token: 200ms * 2^n between tries, capped at 10
// tries or 30s total elapsed, whichever comes first.
const (
	refreshBackoffBase = 200 * time.Millisecond
	refreshMaxTries     = 10
	refreshMaxTotal     = 30 * time.Second
)

// refreshFuture backs Engine.RefreshSession's single-flight contract: the
// first caller becomes the leader and performs the actual call; every
// other concurrent caller attaches to done and observes the leader's
// result instead of issuing its own POST /token.
type refreshFuture struct {
	done chan struct{}
	sess *Session
	err  error
}

// refreshSingleFlight is the leader/attach implementation behind
// RefreshSession. refreshMu only ever guards the refreshFuture pointer
// itself, never the HTTP call or the named session lock, so attaching
// callers never block on the lock they'd otherwise contend for.
func (e *Engine) refreshSingleFlight(ctx context.Context, providedRefreshToken string) (*Session, error) {
	e.refreshMu.Lock()
	if f := e.refreshFuture; f != nil {
		e.refreshMu.Unlock()
		select {
		case <-f.done:
			return f.sess, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &refreshFuture{done: make(chan struct{})}
	e.refreshFuture = f
	e.refreshMu.Unlock()

	sess, err := lock.WithLock(ctx, e.lockMgr, lockName, DefaultLockTimeoutMs, func(ctx context.Context) (*Session, error) {
		token := providedRefreshToken
		if token == "" {
			loaded, lerr := e.loadLocked(ctx)
			if lerr != nil {
				return nil, lerr
			}
			if loaded == nil {
				return nil, errs.NewSessionMissing()
			}
			token = loaded.RefreshToken
		}
		refreshed, rerr := e.refreshLocked(ctx, token)
		if rerr != nil {
			_ = e.clearLocked(ctx)
			return nil, rerr
		}
		return refreshed, nil
	})

	f.sess, f.err = sess, err
	close(f.done)

	e.refreshMu.Lock()
	e.refreshFuture = nil
	e.refreshMu.Unlock()

	return sess, err
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

// refreshLocked performs the POST /token?grant_type=refresh_token call,
// retrying on retryable errors per the backoff table above. Must be called
// while the caller holds the Engine's named lock.
func (e *Engine) refreshLocked(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, errs.NewSessionMissing()
	}

	deadline := time.Now().Add(refreshMaxTotal)
	var lastErr error

	for attempt := 0; attempt < refreshMaxTries; attempt++ {
		if attempt > 0 {
			wait := refreshBackoffBase * time.Duration(1<<uint(attempt-1))
			if remaining := time.Until(deadline); remaining <= 0 {
				break
			} else if wait > remaining {
				wait = remaining
			}
			slog.Info("session: retrying refresh", "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sess, err := e.callRefresh(ctx, refreshToken)
		if err == nil {
			if perr := e.persistLocked(ctx, sess); perr != nil {
				return nil, perr
			}
			e.bus.publish(AuthStateChange{Event: EventTokenRefreshed, Session: sess})
			return sess, nil
		}

		lastErr = err
		var retryable *errs.RetryableFetchError
		if !errors.As(err, &retryable) {
			return nil, err
		}
		if time.Now().After(deadline) {
			break
		}
	}

	return nil, fmt.Errorf("session: refresh exhausted retries: %w", lastErr)
}

func (e *Engine) callRefresh(ctx context.Context, refreshToken string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", body, map[string]string{
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
	return &Session{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		User:         parsed.User,
	}, nil
}

// autoRefreshTick and autoRefreshThreshold drive the background
// auto-refresh loop: every tick, refresh any session within threshold
// ticks of expiry.
const (
	autoRefreshTick      = 30 * time.Second
	autoRefreshThreshold = 3
)

// StartAutoRefresh launches the background auto-refresh loop if it isn't
// already running. Each tick try-acquires the named lock with a zero
// timeout and skips silently if another operation currently holds it,
//("skip this tick rather than block").
func (e *Engine) StartAutoRefresh() {
	e.autoMu.Lock()
	defer e.autoMu.Unlock()
	if e.autoCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.autoCancel = cancel
	e.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(autoRefreshTick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.autoRefreshTick(ctx)
			}
		}
	}()
}

// StopAutoRefresh halts the background loop, if running, and waits for it
// to exit.
func (e *Engine) StopAutoRefresh() {
	e.autoMu.Lock()
	cancel := e.autoCancel
	done := e.autoDone
	e.autoCancel = nil
	e.autoDone = nil
	e.autoMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) autoRefreshTick(ctx context.Context) {
	_, err := lock.WithLock(ctx, e.lockMgr, lockName, 0, func(ctx context.Context) (struct{}, error) {
		sess, err := e.loadLocked(ctx)
		if err != nil || sess == nil {
			return struct{}{}, err
		}
		ticksUntilExpiry := (sess.ExpiresAt*1000 - nowMillis()) / int64(autoRefreshTick/time.Millisecond)
		if ticksUntilExpiry <= autoRefreshThreshold {
			if _, err := e.refreshLocked(ctx, sess.RefreshToken); err != nil {
				slog.Warn("session: auto-refresh failed", "error", err)
			}
		}
		return struct{}{}, nil
	})
	var timeoutErr *errs.LockAcquireTimeoutError
	if err != nil && !errors.As(err, &timeoutErr) {
		slog.Warn("session: auto-refresh tick error", "error", err)
	}
}
