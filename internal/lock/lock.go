// Package lock implements the named, timed, re-entrancy-safe mutex the
// Session Engine serializes get/set/refresh session operations through.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/supa-kit/supa-go/internal/errs"
)

// Manager owns one exclusive slot per lock name, lazily created on first
// use. It gives distributed-lock acquire/timeout/ownership semantics
// inside a single process, without needing a Redis SETNX+Lua pair.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

// NewManager creates an empty lock Manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*namedLock)}
}

type namedLock struct {
	sem     chan struct{} // 1-buffered; held iff empty
	pendMu  sync.Mutex
	pending []pendingCall
}

type pendingCall struct {
	fn   func(context.Context) (any, error)
	done chan result
}

type result struct {
	val any
	err error
}

func (m *Manager) entry(name string) *namedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[name]
	if !ok {
		e = &namedLock{sem: make(chan struct{}, 1)}
		e.sem <- struct{}{}
		m.locks[name] = e
	}
	return e
}

type heldKey struct{}

func isHeld(ctx context.Context, name string) bool {
	held, _ := ctx.Value(heldKey{}).(map[string]bool)
	return held[name]
}

func withHeld(ctx context.Context, name string) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]bool)
	next := make(map[string]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[name] = true
	return context.WithValue(ctx, heldKey{}, next)
}

// WithLock runs fn while holding the named lock:
//   - timeoutMs < 0: wait indefinitely.
//   - timeoutMs == 0: fail immediately with LockAcquireTimeoutError if held.
//   - timeoutMs > 0: wait at most that long, then LockAcquireTimeoutError.
//
// If ctx already holds name (a nested call from within the same logical
// operation), fn is instead enqueued and run after the outer fn returns,
// and the nested call blocks until then. This avoids deadlock only when
// the nested call runs on another goroutine; a nested call made directly
// from the outer fn's own goroutine never returns.
func WithLock[T any](ctx context.Context, m *Manager, name string, timeoutMs int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	e := m.entry(name)

	if isHeld(ctx, name) {
		doneCh := make(chan result, 1)
		e.pendMu.Lock()
		e.pending = append(e.pending, pendingCall{
			fn:   func(c context.Context) (any, error) { return fn(c) },
			done: doneCh,
		})
		e.pendMu.Unlock()
		r := <-doneCh
		if r.err != nil {
			return zero, r.err
		}
		return r.val.(T), nil
	}

	if !acquire(ctx, e, timeoutMs) {
		return zero, errs.NewLockTimeout(name)
	}
	heldCtx := withHeld(ctx, name)
	val, err := fn(heldCtx)

	drain(heldCtx, e)
	e.sem <- struct{}{}

	return val, err
}

func acquire(ctx context.Context, e *namedLock, timeoutMs int) bool {
	switch {
	case timeoutMs == 0:
		select {
		case <-e.sem:
			return true
		default:
			return false
		}
	case timeoutMs < 0:
		select {
		case <-e.sem:
			return true
		case <-ctx.Done():
			return false
		}
	default:
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-e.sem:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func drain(ctx context.Context, e *namedLock) {
	for {
		e.pendMu.Lock()
		if len(e.pending) == 0 {
			e.pendMu.Unlock()
			return
		}
		pc := e.pending[0]
		e.pending = e.pending[1:]
		e.pendMu.Unlock()

		v, err := pc.fn(ctx)
		pc.done <- result{val: v, err: err}
	}
}
