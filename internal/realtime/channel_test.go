package realtime

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestClient() *Client {
	return NewClient("wss://example.supabase.co/realtime/v1", "anon-key", Options{})
}

func TestChannelBroadcastBindingMatchesEventOrWildcard(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)

	var chatCalls, wildcardCalls int
	ch.OnBroadcast("chat", func(json.RawMessage) { chatCalls++ })
	ch.OnBroadcast("*", func(json.RawMessage) { wildcardCalls++ })

	// A "chat" broadcast fires the exact binding (and the wildcard); an
	// "other" broadcast fires only the wildcard.
	ch.dispatchBroadcast(json.RawMessage(`{"event":"chat","payload":{"text":"hi"}}`))
	ch.dispatchBroadcast(json.RawMessage(`{"event":"other","payload":{}}`))

	if chatCalls != 1 {
		t.Fatalf("expected exactly 1 chat callback, got %d", chatCalls)
	}
	if wildcardCalls != 2 {
		t.Fatalf("expected wildcard to see both events, got %d", wildcardCalls)
	}
}

func TestChannelStaleControlMessageIsDiscarded(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)
	ch.mu.Lock()
	ch.joinRef = "current-ref"
	ch.state = ChannelJoined
	ch.mu.Unlock()

	staleRef := "stale-ref"
	// phx_error bearing an old join_ref must not flip the channel to errored.
	ch.HandleMessage(&staleRef, nil, "phx_error", json.RawMessage(`{}`))

	if ch.State() != ChannelJoined {
		t.Fatalf("expected state to remain joined after stale phx_error, got %s", ch.State())
	}
}

func TestChannelCurrentControlMessageIsApplied(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)
	ch.mu.Lock()
	ch.joinRef = "current-ref"
	ch.state = ChannelJoined
	ch.mu.Unlock()

	currentRef := "current-ref"
	ch.HandleMessage(&currentRef, nil, "phx_error", json.RawMessage(`{}`))

	if ch.State() != ChannelErrored {
		t.Fatalf("expected state errored after phx_error with matching join_ref, got %s", ch.State())
	}
}

func TestChannelPushBufferDropsOldestAt101(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)

	var destroyed []*Push
	for i := 0; i < 101; i++ {
		p := ch.rawPush("broadcast", map[string]any{"n": i}, time.Minute)
		ch.bufferPush(p)
		destroyed = append(destroyed, p)
	}

	ch.mu.Lock()
	n := len(ch.pushBuffer)
	first := ch.pushBuffer[0]
	ch.mu.Unlock()

	if n != pushBufferLimit {
		t.Fatalf("expected buffer capped at %d, got %d", pushBufferLimit, n)
	}
	// The 101st push (index 100) evicted the oldest (index 0); the newest
	// 100 pushes (index 1..100) must remain, so the buffer's first entry is
	// now what was originally pushed second.
	if first != destroyed[1] {
		t.Fatal("expected oldest push to be evicted, preserving the newest 100")
	}
}

func TestChannelPostgresChangesDispatchByServerIDAndEvent(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)

	var inserts, all int
	ch.OnPostgresChanges(PostgresFilter{Event: "INSERT", ServerID: 0}, func(json.RawMessage) { inserts++ })
	ch.OnPostgresChanges(PostgresFilter{Event: "*", ServerID: 1}, func(json.RawMessage) { all++ })
	ch.bindings[0].PG.ServerID = 1
	ch.bindings[1].PG.ServerID = 1

	msg := json.RawMessage(`{"id":1,"data":{"type":"INSERT","schema":"public","table":"t","record":{}}}`)
	ch.dispatchPostgresChanges(msg)

	if inserts != 1 {
		t.Fatalf("expected the INSERT-specific binding to fire once, got %d", inserts)
	}
	if all != 1 {
		t.Fatalf("expected the wildcard binding to fire once, got %d", all)
	}

	msg2 := json.RawMessage(`{"id":2,"data":{"type":"INSERT","schema":"public","table":"t","record":{}}}`)
	ch.dispatchPostgresChanges(msg2)
	if inserts != 1 || all != 1 {
		t.Fatal("a postgres_changes frame for an unregistered server id must not dispatch anywhere")
	}
}

func TestValidatePostgresChangesMismatchReturnsError(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)
	ch.OnPostgresChanges(PostgresFilter{Event: "INSERT", Schema: "public", Table: "todos"}, func(json.RawMessage) {})

	ch.mu.Lock()
	err := ch.validatePostgresChangesLocked(map[string]any{
		"postgres_changes": []any{
			map[string]any{"id": float64(7), "event": "UPDATE", "schema": "public", "table": "todos", "filter": ""},
		},
	})
	ch.mu.Unlock()
	if err == nil {
		t.Fatal("expected mismatch error when server event differs from registered filter")
	}
}

func TestValidatePostgresChangesMatchAssignsServerID(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room", nil)
	ch.OnPostgresChanges(PostgresFilter{Event: "INSERT", Schema: "public", Table: "todos"}, func(json.RawMessage) {})

	ch.mu.Lock()
	err := ch.validatePostgresChangesLocked(map[string]any{
		"postgres_changes": []any{
			map[string]any{"id": float64(7), "event": "INSERT", "schema": "public", "table": "todos", "filter": nil},
		},
	})
	sid := ch.bindings[0].PG.ServerID
	ch.mu.Unlock()
	if err != nil {
		t.Fatalf("expected match, got error: %v", err)
	}
	if sid != 7 {
		t.Fatalf("expected ServerID assigned to 7, got %d", sid)
	}
}

func TestChannelTopicIsPrefixed(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room:1", nil)
	if ch.Topic() != "realtime:room:1" {
		t.Fatalf("expected realtime: prefix, got %q", ch.Topic())
	}
}

func TestClientChannelIsDeduplicatedByTopic(t *testing.T) {
	c := newTestClient()
	a := c.Channel("room", nil)
	b := c.Channel("room", nil)
	if a != b {
		t.Fatal("expected repeated Channel() calls for the same subtopic to return the same instance")
	}
}
