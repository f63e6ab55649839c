package realtime

import (
	"encoding/json"
	"sort"
	"sync"
)

// PresenceRecord is one tracked instance under a presence key — the
// server's `metas` entry with its `phx_ref` wrapper renamed to
// PresenceRef and stripped of `phx_ref_prev`, the user fields kept as-is.
type PresenceRecord struct {
	PresenceRef string         `json:"presence_ref"`
	Fields      map[string]any `json:"-"`
}

// MarshalJSON flattens Fields alongside presence_ref, the shape delivered
// to user callbacks.
func (r PresenceRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["presence_ref"] = r.PresenceRef
	return json.Marshal(out)
}

func (r PresenceRecord) clone() PresenceRecord {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return PresenceRecord{PresenceRef: r.PresenceRef, Fields: fields}
}

// State maps a presence key to its (non-empty) list of records. Spec
// invariant: no key ever maps to an empty list.
type State map[string][]PresenceRecord

func (s State) clone() State {
	out := make(State, len(s))
	for k, recs := range s {
		cp := make([]PresenceRecord, len(recs))
		for i, r := range recs {
			cp[i] = r.clone()
		}
		out[k] = cp
	}
	return out
}

// Diff is the joined/left delta between two State snapshots, or a raw
// incoming `presence_diff` payload.
type Diff struct {
	Joins State
	Leaves State
}

// rawMetaWrapper is the server's wire shape for one presence entry:
// {metas: [{phx_ref, phx_ref_prev?, ...fields}]}.
type rawMetaWrapper struct {
	Metas []map[string]any `json:"metas"`
}

func stateFromRaw(raw map[string]rawMetaWrapper) State {
	out := make(State, len(raw))
	for key, wrapper := range raw {
		recs := recordsFromMetas(wrapper.Metas)
		if len(recs) > 0 {
			out[key] = recs
		}
	}
	return out
}

func recordsFromMetas(metas []map[string]any) []PresenceRecord {
	recs := make([]PresenceRecord, 0, len(metas))
	for _, meta := range metas {
		ref, _ := meta["phx_ref"].(string)
		fields := make(map[string]any, len(meta))
		for k, v := range meta {
			if k == "phx_ref" || k == "phx_ref_prev" {
				continue
			}
			fields[k] = v
		}
		recs = append(recs, PresenceRecord{PresenceRef: ref, Fields: fields})
	}
	return recs
}

// Presence owns one channel's CRDT-ish presence state: the current
// synchronized State, a buffer of diffs that arrived with a stale join_ref
// before the first full sync, and the join/leave/sync callbacks. It
// dispatches through three distinct callbacks rather than a single
// undifferentiated event stream, since each carries a different payload
// shape.
type Presence struct {
	mu      sync.Mutex
	state   State
	pending []pendingDiff

	onJoin  func(key string, current, newRecs []PresenceRecord)
	onLeave func(key string, current, leftRecs []PresenceRecord)
	onSync  func(state State)
}

type pendingDiff struct {
	joinRef string
	diff    Diff
}

// NewPresence creates an empty Presence tracker.
func NewPresence() *Presence {
	return &Presence{state: make(State)}
}

// OnJoin, OnLeave, OnSync register the dispatch callbacks a Channel wires
// to its `presence` bindings.
func (p *Presence) OnJoin(fn func(key string, current, newRecs []PresenceRecord)) { p.onJoin = fn }
func (p *Presence) OnLeave(fn func(key string, current, leftRecs []PresenceRecord)) { p.onLeave = fn }
func (p *Presence) OnSync(fn func(state State)) { p.onSync = fn }

// State returns a deep clone of the current presence state so callers'
// mutations can never alter internal state .
func (p *Presence) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// BufferDiff stamps an inbound presence_diff with the channel's current
// join_ref at arrival time; if it doesn't match currentJoinRef (or
// currentJoinRef is empty), the diff is buffered instead of applied.
// Returns true if the diff was buffered.
func (p *Presence) BufferDiff(arrivalJoinRef, currentJoinRef string, diff Diff) bool {
	if arrivalJoinRef == "" || currentJoinRef == "" || arrivalJoinRef != currentJoinRef {
		p.mu.Lock()
		p.pending = append(p.pending, pendingDiff{joinRef: arrivalJoinRef, diff: diff})
		p.mu.Unlock()
		return true
	}
	return false
}

// SyncDiff applies diff.Joins/diff.Leaves to the current state, firing
// join/leave per key then a final sync
func (p *Presence) SyncDiff(diff Diff) {
	p.mu.Lock()
	for key, newRecs := range diff.Joins {
		current := p.state[key]
		merged := mergeJoin(current, newRecs)
		p.state[key] = merged
		onJoin := p.onJoin
		p.mu.Unlock()
		if onJoin != nil {
			onJoin(key, cloneRecs(merged), cloneRecs(newRecs))
		}
		p.mu.Lock()
	}
	for key, leavingRecs := range diff.Leaves {
		current := p.state[key]
		remaining := filterLeaving(current, leavingRecs)
		if len(remaining) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = remaining
		}
		onLeave := p.onLeave
		p.mu.Unlock()
		if onLeave != nil {
			onLeave(key, cloneRecs(remaining), cloneRecs(leavingRecs))
		}
		p.mu.Lock()
	}
	onSync := p.onSync
	snapshot := p.state.clone()
	p.mu.Unlock()
	if onSync != nil {
		onSync(snapshot)
	}
}

// SyncState replaces the full state with newState (a `presence_state`
// snapshot), computing and applying the join/leave delta against the
// previous state, then replaying any buffered diffs in FIFO order and
// clearing the buffer
func (p *Presence) SyncState(newState State) {
	p.mu.Lock()
	previous := p.state
	diff := computeDiff(previous, newState)
	p.mu.Unlock()

	p.SyncDiff(diff)

	p.mu.Lock()
	replay := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, pd := range replay {
		p.SyncDiff(pd.diff)
	}
}

// computeDiff derives {joins, leaves} between previous and next full
// states: keys/records present in next but absent from previous are joins;
// keys/records present in previous but absent from next are leaves.
func computeDiff(previous, next State) Diff {
	joins := make(State)
	leaves := make(State)

	for key, nextRecs := range next {
		prevRecs := previous[key]
		prevRefs := refSet(prevRecs)
		var newOnes []PresenceRecord
		for _, r := range nextRecs {
			if !prevRefs[r.PresenceRef] {
				newOnes = append(newOnes, r)
			}
		}
		if len(newOnes) > 0 {
			joins[key] = newOnes
		}
	}

	for key, prevRecs := range previous {
		nextRecs := next[key]
		nextRefs := refSet(nextRecs)
		var leftOnes []PresenceRecord
		for _, r := range prevRecs {
			if !nextRefs[r.PresenceRef] {
				leftOnes = append(leftOnes, r)
			}
		}
		if len(leftOnes) > 0 {
			leaves[key] = leftOnes
		}
	}

	return Diff{Joins: joins, Leaves: leaves}
}

func refSet(recs []PresenceRecord) map[string]bool {
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		out[r.PresenceRef] = true
	}
	return out
}

// mergeJoin combines current with newRecs, preserving any ref already
// present in current and appending the genuinely new ones, then sorts the
// result by PresenceRef.
func mergeJoin(current, newRecs []PresenceRecord) []PresenceRecord {
	existing := refSet(current)
	merged := append([]PresenceRecord(nil), current...)
	for _, r := range newRecs {
		if !existing[r.PresenceRef] {
			merged = append(merged, r)
			existing[r.PresenceRef] = true
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].PresenceRef < merged[j].PresenceRef })
	return merged
}

func filterLeaving(current, leaving []PresenceRecord) []PresenceRecord {
	leavingRefs := refSet(leaving)
	var remaining []PresenceRecord
	for _, r := range current {
		if !leavingRefs[r.PresenceRef] {
			remaining = append(remaining, r)
		}
	}
	return remaining
}

func cloneRecs(recs []PresenceRecord) []PresenceRecord {
	out := make([]PresenceRecord, len(recs))
	for i, r := range recs {
		out[i] = r.clone()
	}
	return out
}

// DiffFromWire decodes a raw `presence_diff` payload
// ({joins:{key:{metas:[...]}}, leaves:{...}}) into a Diff.
func DiffFromWire(raw json.RawMessage) (Diff, error) {
	var wire struct {
		Joins  map[string]rawMetaWrapper `json:"joins"`
		Leaves map[string]rawMetaWrapper `json:"leaves"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Diff{}, err
	}
	return Diff{Joins: stateFromRaw(wire.Joins), Leaves: stateFromRaw(wire.Leaves)}, nil
}

// StateFromWire decodes a raw `presence_state` payload
// ({key:{metas:[...]}}) into a State.
func StateFromWire(raw json.RawMessage) (State, error) {
	var wire map[string]rawMetaWrapper
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return stateFromRaw(wire), nil
}
