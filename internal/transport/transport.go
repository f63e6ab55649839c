// Package transport implements the HTTP Plane shared by the PostgREST,
// Storage, and Functions clients: a pooled, per-host round-tripper plus
// header-precedence composition, timeout/cancel unification, and an
// auth-wrapping adapter that injects the resolved bearer token and apikey.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

const (
	apiVersionHeader = "X-Supabase-Api-Version"
	apiVersionValue  = "2024-01-01"
	clientInfoHeader = "X-Client-Info"
)

// Manager pools one http2-pinned transport per scheme+host, closing idle
// transports after a period of disuse.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// NewManager creates a transport Manager with the given default per-request
// timeout (used only when a call doesn't supply its own).
func NewManager(requestTimeout time.Duration) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: requestTimeout,
	}
}

// Client returns an *http.Client sharing the pooled transport for target's
// scheme+host.
func (m *Manager) Client(target *url.URL) *http.Client {
	return &http.Client{
		Transport: m.roundTripper(target),
		Timeout:   m.requestTimeout,
	}
}

func (m *Manager) roundTripper(target *url.URL) http.RoundTripper {
	key := target.Scheme + "://" + target.Host

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			if target.Scheme == "https" {
				return (&tls.Dialer{Config: cfg}).DialContext(ctx, network, addr)
			}
			dialer := &net.Dialer{}
			return dialer.DialContext(ctx, network, addr)
		},
		AllowHTTP: target.Scheme == "http",
	}
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup periodically evicts and closes transports idle past
// idleTimeout. Blocks until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// Close closes every pooled transport's idle connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

// Request is the HTTP Plane's request shape: method/url/headers/body plus
// an optional caller-driven cancellation and an optional timeout override.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Signal  context.Context
	Timeout time.Duration
}

// Response is the HTTP Plane's response shape.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ClientInfo identifies this SDK build in the X-Client-Info header.
type ClientInfo struct {
	Name    string
	Version string
}

// Bind fixes info so the resulting closure satisfies Doer, letting callers
// (postgrest.Client, the Storage/Functions clients) hold a single Doer value
// without threading ClientInfo through every call.
func (m *Manager) Bind(info ClientInfo) Doer {
	return func(ctx context.Context, req Request) (Response, error) {
		return m.Do(ctx, req, info)
	}
}

// Do composes standard headers, unifies timeout/cancel, issues the request
// and returns the raw Response. Errors returned here are always
// *errs.RetryableFetchError/*errs.FetchError-classifiable transport
// failures; HTTP-level errors are left for the caller to run through
// errs.FromResponse.
func (m *Manager) Do(ctx context.Context, req Request, info ClientInfo) (Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return Response{}, err
	}

	headers := req.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if req.Body != nil {
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json;charset=UTF-8")
		}
	}
	if headers.Get(apiVersionHeader) == "" {
		headers.Set(apiVersionHeader, apiVersionValue)
	}
	if headers.Get(clientInfoHeader) == "" {
		headers.Set(clientInfoHeader, info.Name+"/"+info.Version)
	}

	runCtx, cancel := unifyAbort(ctx, req.Signal, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(runCtx, req.Method, target.String(), bodyReader(req.Body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header = headers

	client := m.Client(target)
	if req.Timeout > 0 {
		// The per-call timeout, already on runCtx, replaces the default.
		client.Timeout = 0
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := readAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// unifyAbort derives a single context that cancels when ctx, an optional
// caller signal, or an optional timeout fires, always clearing the timer on
// every return path.
func unifyAbort(ctx context.Context, signal context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if signal != nil {
		ctx, cancelSignal := contextWithParent(ctx, signal)
		if timeout > 0 {
			timed, cancelTimer := context.WithTimeout(ctx, timeout)
			return timed, func() { cancelTimer(); cancelSignal() }
		}
		return ctx, cancelSignal
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// contextWithParent merges signal's cancellation into ctx without losing
// ctx's own values/deadline.
func contextWithParent(ctx, signal context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(signal, cancel)
	return merged, func() { stop(); cancel() }
}
