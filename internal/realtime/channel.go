package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ChannelState is the per-topic subscription state machine of I.
type ChannelState string

const (
	ChannelClosed  ChannelState = "closed"
	ChannelJoining ChannelState = "joining"
	ChannelJoined  ChannelState = "joined"
	ChannelErrored ChannelState = "errored"
	ChannelLeaving ChannelState = "leaving"
)

// pushBufferLimit bounds the per-channel buffer of pushes waiting to be
// sent because the channel isn't yet joined (Channel.push_buffer).
const pushBufferLimit = 100

// BindingType selects which dispatch table a Binding lives in.
type BindingType string

const (
	BindingBroadcast       BindingType = "broadcast"
	BindingPresence        BindingType = "presence"
	BindingPostgresChanges BindingType = "postgres_changes"
	BindingSystem          BindingType = "system"
)

// PostgresFilter is the subscribe-time filter for one postgres_changes
// binding; ServerID is filled in once the join reply echoes back the
// server-assigned ids, and is the dispatch key thereafter.
type PostgresFilter struct {
	Event    string // INSERT | UPDATE | DELETE | *
	Schema   string
	Table    string
	Filter   string
	ServerID int
}

// Binding is one registered interest in a class of inbound messages.
type Binding struct {
	Type     BindingType
	Event    string // broadcast event name, or "*"
	PG       PostgresFilter
	Callback func(payload json.RawMessage)
}

// PostgresChange is the shape delivered to postgres_changes callbacks,
// after column-typed conversion of the raw record/old_record.
type PostgresChange struct {
	Schema           string         `json:"schema"`
	Table            string         `json:"table"`
	CommitTimestamp  string         `json:"commit_timestamp"`
	Errors           []string       `json:"errors,omitempty"`
	EventType        string         `json:"eventType"`
	New              map[string]any `json:"new,omitempty"`
	Old              map[string]any `json:"old,omitempty"`
}

// Channel is one logical pub/sub subscription multiplexed on the client's
// shared socket.
type Channel struct {
	client   *Client
	subTopic string
	topic    string // "realtime:{subTopic}"

	mu          sync.Mutex
	state       ChannelState
	joinRef     string
	joinPayload map[string]any
	bindings    []*Binding
	pushBuffer  []*Push
	joinPush    *Push
	inflight    map[string]*Push

	rejoinTries int
	rejoinTimer *time.Timer

	presence    *Presence
	nextPGID    int
	subscribeCB func(status string, err error)

	private bool
}

func newChannel(c *Client, subTopic string, joinPayload map[string]any) *Channel {
	ch := &Channel{
		client:      c,
		subTopic:    subTopic,
		topic:       "realtime:" + subTopic,
		state:       ChannelClosed,
		joinPayload: joinPayload,
		presence:    NewPresence(),
		inflight:    make(map[string]*Push),
	}
	ch.presence.OnJoin(func(key string, current, newRecs []PresenceRecord) {
		ch.dispatchPresence("join", key, current, newRecs)
	})
	ch.presence.OnLeave(func(key string, current, leftRecs []PresenceRecord) {
		ch.dispatchPresence("leave", key, current, leftRecs)
	})
	ch.presence.OnSync(func(state State) {
		ch.dispatchPresenceSync(state)
	})
	return ch
}

// Topic returns the wire topic ("realtime:{subTopic}").
func (ch *Channel) Topic() string { return ch.topic }

// State reports the channel's current state machine value.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Presence exposes the channel's Presence tracker.
func (ch *Channel) Presence() *Presence { return ch.presence }

// OnBroadcast registers a broadcast binding for event (or "*" for every
// broadcast event).
func (ch *Channel) OnBroadcast(event string, cb func(payload json.RawMessage)) *Channel {
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, &Binding{Type: BindingBroadcast, Event: event, Callback: cb})
	ch.mu.Unlock()
	return ch
}

// OnPostgresChanges registers a postgres_changes binding; filter.ServerID
// is populated by the channel once the join reply validates it.
func (ch *Channel) OnPostgresChanges(filter PostgresFilter, cb func(payload json.RawMessage)) *Channel {
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, &Binding{Type: BindingPostgresChanges, PG: filter, Callback: cb})
	ch.mu.Unlock()
	return ch
}

// OnSystem registers a passthrough system-event binding.
func (ch *Channel) OnSystem(cb func(payload json.RawMessage)) *Channel {
	ch.mu.Lock()
	ch.bindings = append(ch.bindings, &Binding{Type: BindingSystem, Callback: cb})
	ch.mu.Unlock()
	return ch
}

// Subscribe sends `phx_join` and transitions closed -> joining. cb receives
// one terminal status: "SUBSCRIBED", "CHANNEL_ERROR", or "TIMED_OUT".
func (ch *Channel) Subscribe(cb func(status string, err error)) {
	ch.mu.Lock()
	if ch.state != ChannelClosed && ch.state != ChannelErrored {
		ch.mu.Unlock()
		if cb != nil {
			cb("CHANNEL_ERROR", fmt.Errorf("realtime: channel %s already joined or joining", ch.topic))
		}
		return
	}
	ch.subscribeCB = cb
	ch.state = ChannelJoining
	ch.joinRef = ch.client.nextRef()
	payload := ch.buildJoinPayload()
	ch.mu.Unlock()

	push := ch.rawPush("phx_join", payload, ch.client.timeout())
	ch.mu.Lock()
	ch.joinPush = push
	ch.mu.Unlock()

	push.Receive("ok", func(r Reply) { ch.onJoinOK(r.Response) })
	push.Receive("error", func(r Reply) { ch.onJoinError(r.Response) })
	push.Receive("timeout", func(Reply) { ch.onJoinTimeout() })

	ch.client.sendJoin(ch, push)
}

func (ch *Channel) buildJoinPayload() map[string]any {
	payload := make(map[string]any, len(ch.joinPayload)+1)
	for k, v := range ch.joinPayload {
		payload[k] = v
	}
	if tok := ch.client.currentAccessToken(); tok != "" {
		payload["access_token"] = tok
	}
	return payload
}

func (ch *Channel) onJoinOK(response any) {
	ch.mu.Lock()
	ch.state = ChannelJoined
	ch.rejoinTries = 0
	ch.stopRejoinTimerLocked()
	buffered := ch.pushBuffer
	ch.pushBuffer = nil
	cb := ch.subscribeCB
	mismatch := ch.validatePostgresChangesLocked(response)
	ch.mu.Unlock()

	if mismatch != nil {
		ch.client.log().Warn("postgres_changes mismatch on join, unsubscribing", "topic", ch.topic, "error", mismatch)
		ch.Unsubscribe(nil)
		if cb != nil {
			cb("CHANNEL_ERROR", mismatch)
		}
		return
	}

	for _, p := range buffered {
		ch.client.sendPush(ch, p)
	}
	ch.client.refreshTokenOnJoin()
	if cb != nil {
		cb("SUBSCRIBED", nil)
	}
}

// validatePostgresChangesLocked checks the server-returned postgres_changes
// list against the registered filters, assigning ServerID on match. Must
// be called with ch.mu held.
func (ch *Channel) validatePostgresChangesLocked(response any) error {
	respMap, _ := response.(map[string]any)
	if respMap == nil {
		return nil
	}
	raw, ok := respMap["postgres_changes"]
	if !ok {
		return nil
	}
	list, _ := raw.([]any)

	var pgBindings []*Binding
	for _, b := range ch.bindings {
		if b.Type == BindingPostgresChanges {
			pgBindings = append(pgBindings, b)
		}
	}
	if len(pgBindings) != len(list) {
		return fmt.Errorf("server returned %d postgres_changes, expected %d", len(list), len(pgBindings))
	}
	for i, item := range list {
		entry, _ := item.(map[string]any)
		b := pgBindings[i]
		if !fieldsEquivalent(entry["event"], b.PG.Event) ||
			!fieldsEquivalent(entry["schema"], b.PG.Schema) ||
			!fieldsEquivalent(entry["table"], b.PG.Table) ||
			!fieldsEquivalent(entry["filter"], b.PG.Filter) {
			return fmt.Errorf("postgres_changes binding %d does not match server filter", i)
		}
		if id, ok := entry["id"].(float64); ok {
			b.PG.ServerID = int(id)
		}
	}
	return nil
}

// fieldsEquivalent treats nil/missing/"" as interchangeable
func fieldsEquivalent(serverVal any, local string) bool {
	s, _ := serverVal.(string)
	if s == "" && local == "" {
		return true
	}
	return s == local
}

func (ch *Channel) onJoinError(response any) {
	ch.mu.Lock()
	ch.state = ChannelErrored
	cb := ch.subscribeCB
	ch.mu.Unlock()
	ch.scheduleRejoin()
	if cb != nil {
		cb("CHANNEL_ERROR", fmt.Errorf("realtime: join error: %v", response))
	}
}

func (ch *Channel) onJoinTimeout() {
	ch.mu.Lock()
	ch.state = ChannelErrored
	cb := ch.subscribeCB
	ch.mu.Unlock()
	ch.scheduleRejoin()
	if cb != nil {
		cb("TIMED_OUT", fmt.Errorf("realtime: join timed out for %s", ch.topic))
	}
}

func (ch *Channel) scheduleRejoin() {
	ch.mu.Lock()
	ch.rejoinTries++
	tries := ch.rejoinTries
	ch.stopRejoinTimerLocked()
	delay := ch.client.reconnectAfter(tries)
	ch.rejoinTimer = time.AfterFunc(delay, func() {
		ch.mu.Lock()
		state := ch.state
		ch.mu.Unlock()
		if state == ChannelErrored && !ch.client.isDisconnected() {
			ch.Subscribe(ch.subscribeCB)
		}
	})
	ch.mu.Unlock()
}

func (ch *Channel) stopRejoinTimerLocked() {
	if ch.rejoinTimer != nil {
		ch.rejoinTimer.Stop()
		ch.rejoinTimer = nil
	}
}

// HandleError transitions joined -> errored on a `phx_error` frame and
// schedules a rejoin.
func (ch *Channel) HandleError() {
	ch.mu.Lock()
	if ch.state == ChannelLeaving || ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelErrored
	ch.mu.Unlock()
	ch.scheduleRejoin()
}

// Unsubscribe sends `phx_leave`, transitioning to leaving, then closed on
// reply or timeout. cb (optional) receives the terminal status.
func (ch *Channel) Unsubscribe(cb func(status string, err error)) {
	ch.mu.Lock()
	ch.stopRejoinTimerLocked()
	ch.state = ChannelLeaving
	buffered := ch.pushBuffer
	ch.pushBuffer = nil
	for _, p := range buffered {
		delete(ch.inflight, p.Ref)
	}
	ch.mu.Unlock()

	for _, p := range buffered {
		p.Destroy()
	}

	push := ch.rawPush("phx_leave", map[string]any{}, ch.client.timeout())
	finish := func(status string) {
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		ch.client.onChannelClosed(ch)
		if cb != nil {
			cb(status, nil)
		}
	}
	push.Receive("ok", func(Reply) { finish("CLOSED") })
	push.Receive("timeout", func(Reply) { finish("CLOSED") })
	ch.client.sendPush(ch, push)
}

func (ch *Channel) rawPush(event string, payload any, timeout time.Duration) *Push {
	p := NewPush(ch, event, payload, timeout)
	p.Ref = ch.client.nextRef()
	ch.mu.Lock()
	ch.inflight[p.Ref] = p
	ch.mu.Unlock()
	return p
}

func (ch *Channel) forgetPush(ref string) {
	ch.mu.Lock()
	delete(ch.inflight, ref)
	ch.mu.Unlock()
}

// Push sends event/payload on this channel, buffering it if the channel
// can't transmit right now. Broadcast pushes that can't go over the socket
// fall back to the HTTP broadcast endpoint.
func (ch *Channel) Push(event string, payload any, timeout time.Duration) *Push {
	p := ch.rawPush(event, payload, timeout)

	ch.mu.Lock()
	state := ch.state
	ch.mu.Unlock()

	canSocketSend := ch.client.isConnected() && (state == ChannelJoined || event != string(BindingBroadcast))
	if canSocketSend {
		ch.client.sendPush(ch, p)
		return p
	}

	if event == "broadcast" {
		go ch.client.httpBroadcastFallback(ch, payload, p)
		return p
	}

	ch.bufferPush(p)
	return p
}

func (ch *Channel) bufferPush(p *Push) {
	ch.mu.Lock()
	if len(ch.pushBuffer) >= pushBufferLimit {
		dropped := ch.pushBuffer[0]
		ch.pushBuffer = ch.pushBuffer[1:]
		delete(ch.inflight, dropped.Ref)
		ch.client.log().Warn("realtime: push buffer full, dropping oldest push", "topic", ch.topic, "event", dropped.Event)
		dropped.Destroy()
	}
	ch.pushBuffer = append(ch.pushBuffer, p)
	ch.mu.Unlock()
	p.StartTimeout(func() { p.Resolve(Reply{Status: "timeout"}) })
}

// HandleMessage dispatches one decoded inbound frame to this channel's
// bindings, applying the join-ref stale-message guard for protocol control
// events
func (ch *Channel) HandleMessage(joinRef *string, ref *string, event string, payload json.RawMessage) {
	ch.mu.Lock()
	currentJoinRef := ch.joinRef
	ch.mu.Unlock()

	if isControlEvent(event) && joinRef != nil && *joinRef != currentJoinRef {
		return // stale message from a prior subscription lifecycle
	}

	if ref != nil {
		if ch.matchesPendingReply(*ref, joinRef, event, payload) {
			return
		}
	}

	switch event {
	case "phx_error":
		ch.HandleError()
	case "presence_state":
		ch.handlePresenceState(joinRef, payload)
	case "presence_diff":
		ch.handlePresenceDiff(joinRef, payload)
	case "broadcast":
		ch.dispatchBroadcast(payload)
	case "postgres_changes":
		ch.dispatchPostgresChanges(payload)
	case "phx_close":
		// handled via Unsubscribe's own reply correlation; nothing further.
	default:
		ch.dispatchSystem(event, payload)
	}
}

func isControlEvent(event string) bool {
	switch event {
	case "phx_close", "phx_error", "phx_leave", "phx_join":
		return true
	}
	return false
}

// matchesPendingReply resolves the join push or a buffered push if ref
// matches a push this channel is tracking, returning true if it was
// consumed as a reply.
func (ch *Channel) matchesPendingReply(ref string, joinRef *string, event string, payload json.RawMessage) bool {
	if event != "phx_reply" {
		return false
	}
	ch.mu.Lock()
	p := ch.inflight[ref]
	ch.mu.Unlock()
	if p == nil {
		return false
	}

	var parsed struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	_ = json.Unmarshal(payload, &parsed)
	var resp any
	_ = json.Unmarshal(parsed.Response, &resp)

	p.Resolve(Reply{Status: parsed.Status, Response: resp})
	ch.forgetPush(ref)
	return true
}

func (ch *Channel) handlePresenceState(joinRef *string, payload json.RawMessage) {
	state, err := StateFromWire(payload)
	if err != nil {
		ch.client.log().Warn("realtime: bad presence_state payload", "topic", ch.topic, "error", err)
		return
	}
	ch.presence.SyncState(state)
}

func (ch *Channel) handlePresenceDiff(joinRef *string, payload json.RawMessage) {
	diff, err := DiffFromWire(payload)
	if err != nil {
		ch.client.log().Warn("realtime: bad presence_diff payload", "topic", ch.topic, "error", err)
		return
	}
	var arrival string
	if joinRef != nil {
		arrival = *joinRef
	}
	ch.mu.Lock()
	current := ch.joinRef
	ch.mu.Unlock()
	if ch.presence.BufferDiff(arrival, current, diff) {
		return
	}
	ch.presence.SyncDiff(diff)
}

func (ch *Channel) dispatchPresence(kind, key string, current, changed []PresenceRecord) {
	ch.mu.Lock()
	var bindings []*Binding
	for _, b := range ch.bindings {
		if b.Type == BindingPresence {
			bindings = append(bindings, b)
		}
	}
	ch.mu.Unlock()
	if len(bindings) == 0 {
		return
	}
	body, _ := json.Marshal(map[string]any{"event": kind, "key": key, "currentPresences": current, "newPresences": changed})
	for _, b := range bindings {
		safeInvoke(b.Callback, body)
	}
}

func (ch *Channel) dispatchPresenceSync(state State) {
	ch.mu.Lock()
	var bindings []*Binding
	for _, b := range ch.bindings {
		if b.Type == BindingPresence {
			bindings = append(bindings, b)
		}
	}
	ch.mu.Unlock()
	body, _ := json.Marshal(map[string]any{"event": "sync", "state": state})
	for _, b := range bindings {
		safeInvoke(b.Callback, body)
	}
}

func (ch *Channel) dispatchBroadcast(payload json.RawMessage) {
	var env struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	ch.mu.Lock()
	var matched []*Binding
	for _, b := range ch.bindings {
		if b.Type == BindingBroadcast && (b.Event == env.Event || b.Event == "*") {
			matched = append(matched, b)
		}
	}
	ch.mu.Unlock()
	for _, b := range matched {
		safeInvoke(b.Callback, env.Payload)
	}
}

func (ch *Channel) dispatchSystem(event string, payload json.RawMessage) {
	ch.mu.Lock()
	var matched []*Binding
	for _, b := range ch.bindings {
		if b.Type == BindingSystem {
			matched = append(matched, b)
		}
	}
	ch.mu.Unlock()
	_ = event
	for _, b := range matched {
		safeInvoke(b.Callback, payload)
	}
}

func (ch *Channel) dispatchPostgresChanges(payload json.RawMessage) {
	var wire struct {
		ID   int             `json:"id"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return
	}
	change, eventType, err := convertPostgresChange(wire.Data)
	if err != nil {
		ch.client.log().Warn("realtime: bad postgres_changes payload", "topic", ch.topic, "error", err)
		return
	}

	ch.mu.Lock()
	var matched []*Binding
	for _, b := range ch.bindings {
		if b.Type != BindingPostgresChanges {
			continue
		}
		if b.PG.ServerID != wire.ID {
			continue
		}
		if b.PG.Event == "*" || strings.EqualFold(b.PG.Event, eventType) {
			matched = append(matched, b)
		}
	}
	ch.mu.Unlock()

	body, _ := json.Marshal(change)
	for _, b := range matched {
		safeInvoke(b.Callback, body)
	}
}

func safeInvoke(cb func(json.RawMessage), payload json.RawMessage) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("realtime: binding callback panicked", "recover", r)
		}
	}()
	cb(payload)
}
