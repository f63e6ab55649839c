package realtime

import (
	"testing"
	"time"
)

func TestPushResolveInvokesMatchingHookOnce(t *testing.T) {
	p := NewPush(nil, "phx_join", map[string]any{}, time.Second)

	var okCount, errCount int
	p.Receive("ok", func(Reply) { okCount++ })
	p.Receive("error", func(Reply) { errCount++ })

	p.Resolve(Reply{Status: "ok"})
	p.Resolve(Reply{Status: "ok"}) // second resolve must be a no-op

	if okCount != 1 {
		t.Fatalf("expected exactly one ok hook invocation, got %d", okCount)
	}
	if errCount != 0 {
		t.Fatalf("expected error hook never invoked, got %d", errCount)
	}
}

func TestPushStartTimeoutFiresWhenUnresolved(t *testing.T) {
	p := NewPush(nil, "broadcast", map[string]any{}, 10*time.Millisecond)

	fired := make(chan struct{})
	p.StartTimeout(func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected timeout callback to fire")
	}
}

func TestPushResolveCancelsTimeout(t *testing.T) {
	p := NewPush(nil, "broadcast", map[string]any{}, 20*time.Millisecond)

	fired := make(chan struct{}, 1)
	p.StartTimeout(func() { fired <- struct{}{} })
	p.Resolve(Reply{Status: "ok"})

	select {
	case <-fired:
		t.Fatal("timeout must not fire once the push has resolved")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPushMarkSentAndSent(t *testing.T) {
	p := NewPush(nil, "broadcast", nil, time.Second)
	if p.Sent() {
		t.Fatal("new push must not be marked sent")
	}
	p.MarkSent()
	if !p.Sent() {
		t.Fatal("expected push to be marked sent")
	}
}

func TestPushDestroyCancelsTimeoutWithoutResolving(t *testing.T) {
	p := NewPush(nil, "broadcast", nil, 10*time.Millisecond)

	called := false
	p.StartTimeout(func() { called = true })
	p.Destroy()

	time.Sleep(40 * time.Millisecond)
	if called {
		t.Fatal("Destroy must cancel the pending timeout, not let it fire")
	}
}
