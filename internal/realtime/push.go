// Package realtime implements the single multiplexed WebSocket transport:
// per-channel state machines (Channel), presence CRDT synchronization
// (Presence), and the connection-level client (Client) — heartbeat,
// reconnect, send buffer, channel registry and the token plane that keeps
// every joined channel's auth current.
package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PushTimeoutDefault is the default per-push reply timeout .
const PushTimeoutDefault = 10 * time.Second

// Reply is the decoded `phx_reply` payload delivered back to a Push.
type Reply struct {
	Status   string // "ok" | "error" | "timeout"
	Response any
}

// Push is a pending request/reply pair awaiting a `phx_reply` correlated by
// Ref, or a timeout. ID is an internal correlation identifier distinct from
// the wire Ref — it exists purely so logging and the client's bookkeeping
// maps have a stable key independent of the channel's ref-reuse rules.
type Push struct {
	id uuid.UUID

	channel *Channel
	Event   string
	Payload any
	Ref     string

	timeoutDur time.Duration
	timer      *time.Timer

	mu       sync.Mutex
	sent     bool
	received bool
	hooks    map[string]func(Reply)
}

// NewPush builds a Push for event/payload, not yet sent.
func NewPush(ch *Channel, event string, payload any, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = PushTimeoutDefault
	}
	return &Push{
		id:         uuid.New(),
		channel:    ch,
		Event:      event,
		Payload:    payload,
		timeoutDur: timeout,
		hooks:      make(map[string]func(Reply)),
	}
}

// Receive registers a callback invoked when Resolve is called with a
// matching status ("ok", "error", or "timeout"). Chainable.
func (p *Push) Receive(status string, cb func(Reply)) *Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[status] = cb
	return p
}

// StartTimeout arms the timeout timer; fn is invoked (off the caller's
// goroutine) if no reply arrives first. Pushes sitting in a channel's push
// buffer start their timeout immediately— they can expire
// while still queued.
func (p *Push) StartTimeout(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.timeoutDur, fn)
}

func (p *Push) cancelTimeout() {
	p.mu.Lock()
	t := p.timer
	p.timer = nil
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Resolve delivers reply to this push exactly once, invoking the matching
// status hook if registered, then cancels the timeout timer.
func (p *Push) Resolve(reply Reply) {
	p.mu.Lock()
	if p.received {
		p.mu.Unlock()
		return
	}
	p.received = true
	hook := p.hooks[reply.Status]
	p.mu.Unlock()

	p.cancelTimeout()
	if hook != nil {
		hook(reply)
	}
}

// Destroy cancels any pending timeout without resolving hooks; used when a
// push is dropped from a full buffer or its channel tears down.
func (p *Push) Destroy() {
	p.cancelTimeout()
}

// MarkSent records that this push's frame was written to the socket.
func (p *Push) MarkSent() {
	p.mu.Lock()
	p.sent = true
	p.mu.Unlock()
}

// Sent reports whether the push's frame has been written to the socket.
func (p *Push) Sent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}
