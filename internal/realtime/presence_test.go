package realtime

import (
	"encoding/json"
	"testing"
)

func TestStateFromWireStripsRefWrapper(t *testing.T) {
	raw := json.RawMessage(`{"u1":{"metas":[{"phx_ref":"a","status":"online"}]}}`)
	state, err := StateFromWire(raw)
	if err != nil {
		t.Fatalf("StateFromWire: %v", err)
	}
	recs := state["u1"]
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].PresenceRef != "a" {
		t.Fatalf("expected presence_ref 'a', got %q", recs[0].PresenceRef)
	}
	if recs[0].Fields["status"] != "online" {
		t.Fatalf("expected status field preserved, got %+v", recs[0].Fields)
	}
	if _, ok := recs[0].Fields["phx_ref"]; ok {
		t.Fatal("phx_ref must be stripped from Fields")
	}
}

// TestSyncStateThenDiff reproduces scenario 4: an initial full sync
// followed by a diff that only joins u2 must fire join for u2 alone and
// leave the existing u1 record untouched.
func TestSyncStateThenDiff(t *testing.T) {
	p := NewPresence()

	var joined, left []string
	p.OnJoin(func(key string, _, _ []PresenceRecord) { joined = append(joined, key) })
	p.OnLeave(func(key string, _, _ []PresenceRecord) { left = append(left, key) })

	initial, err := StateFromWire(json.RawMessage(`{"u1":{"metas":[{"phx_ref":"a","status":"online"}]}}`))
	if err != nil {
		t.Fatalf("StateFromWire: %v", err)
	}
	p.SyncState(initial)
	if len(joined) != 1 || joined[0] != "u1" {
		t.Fatalf("expected initial join for u1, got %v", joined)
	}

	diff, err := DiffFromWire(json.RawMessage(`{"joins":{"u2":{"metas":[{"phx_ref":"b"}]}},"leaves":{}}`))
	if err != nil {
		t.Fatalf("DiffFromWire: %v", err)
	}
	p.SyncDiff(diff)

	if len(joined) != 2 || joined[1] != "u2" {
		t.Fatalf("expected u2 to join, got %v", joined)
	}
	if len(left) != 0 {
		t.Fatalf("expected no leaves, got %v", left)
	}

	state := p.State()
	if len(state["u1"]) != 1 || state["u1"][0].PresenceRef != "a" {
		t.Fatalf("u1 must be unchanged: %+v", state["u1"])
	}
	if len(state["u2"]) != 1 || state["u2"][0].PresenceRef != "b" {
		t.Fatalf("u2 must have joined: %+v", state["u2"])
	}
}

func TestSyncDiffRemovesKeyWhenEmptied(t *testing.T) {
	p := NewPresence()
	initial, _ := StateFromWire(json.RawMessage(`{"u1":{"metas":[{"phx_ref":"a"}]}}`))
	p.SyncState(initial)

	diff, _ := DiffFromWire(json.RawMessage(`{"joins":{},"leaves":{"u1":{"metas":[{"phx_ref":"a"}]}}}`))
	p.SyncDiff(diff)

	state := p.State()
	if _, ok := state["u1"]; ok {
		t.Fatalf("u1 must be removed once its record list is emptied, got %+v", state["u1"])
	}
}

// TestBufferDiffReplaysInOrder verifies the pending-diff buffer: a diff
// stamped with a join_ref that doesn't match the channel's current
// join_ref is held back until the next SyncState, then replayed in arrival
// order rather than applied immediately.
func TestBufferDiffReplaysInOrder(t *testing.T) {
	p := NewPresence()

	diffA, _ := DiffFromWire(json.RawMessage(`{"joins":{"a":{"metas":[{"phx_ref":"1"}]}},"leaves":{}}`))
	diffB, _ := DiffFromWire(json.RawMessage(`{"joins":{"b":{"metas":[{"phx_ref":"2"}]}},"leaves":{}}`))

	if buffered := p.BufferDiff("stale-ref", "current-ref", diffA); !buffered {
		t.Fatal("expected mismatched join_ref diff to be buffered")
	}
	if buffered := p.BufferDiff("stale-ref", "current-ref", diffB); !buffered {
		t.Fatal("expected second mismatched diff to be buffered")
	}

	var joinOrder []string
	p.OnJoin(func(key string, _, _ []PresenceRecord) { joinOrder = append(joinOrder, key) })

	p.SyncState(State{}) // triggers replay of the two buffered diffs, FIFO

	if len(joinOrder) != 2 || joinOrder[0] != "a" || joinOrder[1] != "b" {
		t.Fatalf("expected buffered diffs replayed in FIFO order [a b], got %v", joinOrder)
	}

	state := p.State()
	if len(state) != 2 {
		t.Fatalf("expected both a and b present after replay, got %+v", state)
	}
}

func TestBufferDiffNotBufferedWhenRefsMatch(t *testing.T) {
	p := NewPresence()
	diff, _ := DiffFromWire(json.RawMessage(`{"joins":{"a":{"metas":[{"phx_ref":"1"}]}},"leaves":{}}`))
	if buffered := p.BufferDiff("ref-1", "ref-1", diff); buffered {
		t.Fatal("a diff whose join_ref matches current should not be buffered")
	}
}

func TestPresenceStateIsDeepCloned(t *testing.T) {
	p := NewPresence()
	initial, _ := StateFromWire(json.RawMessage(`{"u1":{"metas":[{"phx_ref":"a","x":1}]}}`))
	p.SyncState(initial)

	snap := p.State()
	snap["u1"][0].Fields["x"] = 999
	snap["injected"] = []PresenceRecord{{PresenceRef: "z"}}

	again := p.State()
	if again["u1"][0].Fields["x"] != 1 {
		t.Fatalf("internal state must not be mutated by caller edits, got %v", again["u1"][0].Fields["x"])
	}
	if _, ok := again["injected"]; ok {
		t.Fatal("caller additions to the returned snapshot must not leak into internal state")
	}
}
