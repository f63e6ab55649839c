package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/supa-kit/supa-go/internal/events"
	"github.com/supa-kit/supa-go/internal/realtime/wire"
)

// TraceEvent is one inbound or outbound wire-level frame, published to the
// Client's trace bus for host-app debug introspection (e.g. a live socket
// inspector).
type TraceEvent struct {
	Direction string // "in" | "out"
	Topic     string
	Event     string
}

// ConnState is the connection-level state machine of K.
type ConnState string

const (
	Disconnected  ConnState = "disconnected"
	Connecting    ConnState = "connecting"
	Connected     ConnState = "connected"
	Disconnecting ConnState = "disconnecting"
)

const (
	// HeartbeatInterval is the HEARTBEAT_INTERVAL.
	HeartbeatInterval = 25 * time.Second
	// DefaultPushTimeout is the default per-push reply timeout.
	DefaultPushTimeout = 10 * time.Second

	phoenixTopic = "phoenix"
	heartbeatEvt = "heartbeat"
)

// TokenResolver resolves the current access token asynchronously, the
// callback form of set_auth .
type TokenResolver func(ctx context.Context) (string, error)

// Options configures a Client: heartbeat interval, timeout, vsn, params,
// reconnect backoff, and access-token resolver, plus logging and
// heartbeat-status hooks. There is no worker-driven heartbeat option.
type Options struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	VSN               string
	Params            map[string]string // MUST include apikey
	LogLevel          string
	ReconnectAfter    func(tries int) time.Duration
	AccessToken       TokenResolver
	Logger            *slog.Logger
	HeartbeatCallback func(status string, latency time.Duration)
	HTTPClient        *http.Client
}

func (o *Options) withDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = HeartbeatInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultPushTimeout
	}
	if o.VSN == "" {
		o.VSN = "2.0.0"
	}
	if o.ReconnectAfter == nil {
		o.ReconnectAfter = defaultReconnectAfter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

func defaultReconnectAfter(tries int) time.Duration {
	table := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	if tries-1 >= 0 && tries-1 < len(table) {
		return table[tries-1]
	}
	return 10 * time.Second
}

type bufferedFrame struct {
	data   []byte
	binary bool
}

// Client is the single multiplexed WebSocket connection: channel registry,
// heartbeat, reconnect, send buffer and the token plane.
//
// One mutex guards the whole connection-state: socket handle, channel
// registry, and reconnect bookkeeping. Trace introspection publishes onto
// a generic ring-buffered event bus (internal/events).
type Client struct {
	endpointBase string // e.g. "wss://project.supabase.co/realtime/v1"
	apiKey       string
	opts         Options
	trace        *events.Bus[TraceEvent]

	mu         sync.Mutex
	conn       *websocket.Conn
	connState  ConnState
	manual     bool
	channels   map[string]*Channel
	sendBuffer []bufferedFrame

	refCounter uint32

	pendingHeartbeatRef string
	heartbeatSentAt     time.Time
	heartbeatTimer      *time.Timer
	reconnectTimer      *time.Timer
	reconnectTries      int

	// heartbeatReconnectPending is set while the heartbeat-timeout path's
	// fixed 100ms reconnect timer is armed, so the onSocketClosed that
	// follows the resulting close frame doesn't clobber it with the
	// exponential-backoff timer.
	heartbeatReconnectPending bool

	cachedToken     string
	manuallySetAuth bool

	closeCh chan struct{}
}

// NewClient builds a Client for endpointBase (a ws:// or wss:// URL rooted
// at the realtime service, e.g. ".../realtime/v1") using apiKey as the
// `apikey` query parameter and header.
func NewClient(endpointBase, apiKey string, opts Options) *Client {
	opts.withDefaults()
	if opts.Params == nil {
		opts.Params = make(map[string]string)
	}
	opts.Params["apikey"] = apiKey
	return &Client{
		endpointBase: strings.TrimRight(endpointBase, "/"),
		apiKey:       apiKey,
		opts:         opts,
		trace:        events.NewBus[TraceEvent](200),
		connState:    Disconnected,
		channels:     make(map[string]*Channel),
	}
}

// Trace returns the Client's trace event bus. Subscribers receive every
// inbound/outbound frame's topic and event name; useful for a host-app
// debug panel. Publish never blocks the socket read/write path.
func (c *Client) Trace() *events.Bus[TraceEvent] {
	return c.trace
}

func (c *Client) log() *slog.Logger { return c.opts.Logger }

func (c *Client) timeout() time.Duration { return c.opts.Timeout }

func (c *Client) reconnectAfter(tries int) time.Duration { return c.opts.ReconnectAfter(tries) }

func (c *Client) nextRef() string {
	n := atomic.AddUint32(&c.refCounter, 1)
	return fmt.Sprintf("%d", n)
}

// socketURL builds "{base}/websocket?vsn=...&apikey=...[&log_level=...]".
func (c *Client) socketURL() string {
	u := c.endpointBase + "/websocket"
	q := url.Values{}
	q.Set("vsn", c.opts.VSN)
	for k, v := range c.opts.Params {
		q.Set(k, v)
	}
	if c.opts.LogLevel != "" {
		q.Set("log_level", c.opts.LogLevel)
	}
	return u + "?" + q.Encode()
}

// broadcastURL derives the HTTP fallback endpoint: ws(s):// -> http(s)://,
// strip a trailing /socket/websocket, /socket, or /websocket (in that
// order), append /api/broadcast.
func (c *Client) broadcastURL() string {
	base := c.endpointBase
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)
	for _, suffix := range []string{"/socket/websocket", "/socket", "/websocket"} {
		if strings.HasSuffix(base, suffix) {
			base = strings.TrimSuffix(base, suffix)
			break
		}
	}
	return base + "/api/broadcast"
}

// Connect opens the WebSocket. A no-op if already connecting, connected, or
// disconnecting.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.connState == Connecting || c.connState == Connected || c.connState == Disconnecting {
		c.mu.Unlock()
		return
	}
	c.connState = Connecting
	c.manual = false
	c.mu.Unlock()

	go c.dial()
}

func (c *Client) dial() {
	conn, _, err := websocket.DefaultDialer.Dial(c.socketURL(), nil)
	if err != nil {
		c.log().Warn("realtime: dial failed", "error", err)
		c.mu.Lock()
		c.connState = Disconnected
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.connState = Connected
	c.reconnectTries = 0
	c.heartbeatReconnectPending = false
	c.closeCh = make(chan struct{})
	done := c.closeCh
	c.mu.Unlock()

	c.log().Info("realtime: connected")
	c.flushSendBuffer()
	c.startHeartbeat()
	go c.readLoop(conn, done)
}

// Disconnect closes the socket and suppresses the reconnect timer. A
// fallback timer force-transitions to disconnected if the socket doesn't
// close promptly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.connState == Disconnected {
		c.mu.Unlock()
		return
	}
	c.manual = true
	c.connState = Disconnecting
	c.heartbeatReconnectPending = false
	conn := c.conn
	c.stopReconnectTimerLocked()
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "manual disconnect"),
			time.Now().Add(time.Second))
	}

	time.AfterFunc(100*time.Millisecond, func() {
		c.mu.Lock()
		c.connState = Disconnected
		c.conn = nil
		c.mu.Unlock()
	})
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState == Connected
}

func (c *Client) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState == Disconnected
}

func (c *Client) onSocketClosed() {
	c.mu.Lock()
	manual := c.manual
	heartbeatReconnectPending := c.heartbeatReconnectPending
	c.connState = Disconnected
	c.conn = nil
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	for _, ch := range c.allChannels() {
		ch.HandleError()
	}

	// The heartbeat-timeout path already armed its own fixed 100ms
	// reconnect timer before closing the socket; scheduleReconnect here
	// would stop that timer and replace it with the exponential-backoff
	// table instead.
	if !manual && !heartbeatReconnectPending {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.reconnectTries++
	tries := c.reconnectTries
	c.stopReconnectTimerLocked()
	delay := c.reconnectAfter(tries)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if !manual {
			c.Connect()
		}
	})
	c.mu.Unlock()
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// --- Channel registry ---

// Channel returns the existing channel for subTopic if present, or creates
// one, deduplicated by "realtime:{subTopic}".
func (c *Client) Channel(subTopic string, joinPayload map[string]any) *Channel {
	topic := "realtime:" + subTopic
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := newChannel(c, subTopic, joinPayload)
	c.channels[topic] = ch
	return ch
}

func (c *Client) allChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// RemoveChannel unsubscribes ch and removes it from the registry once
// closed; if the registry becomes empty, disconnects.
func (c *Client) RemoveChannel(ch *Channel) {
	ch.Unsubscribe(nil)
}

// onChannelClosed is invoked by Channel once its leave completes.
func (c *Client) onChannelClosed(ch *Channel) {
	c.mu.Lock()
	delete(c.channels, ch.topic)
	empty := len(c.channels) == 0
	c.mu.Unlock()
	if empty {
		c.Disconnect()
	}
}

// RemoveAllChannels concurrently unsubscribes every registered channel.
func (c *Client) RemoveAllChannels() {
	chans := c.allChannels()
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			done := make(chan struct{})
			ch.Unsubscribe(func(string, error) { close(done) })
			<-done
		}(ch)
	}
	wg.Wait()
}

// --- Sending ---

func (c *Client) sendJoin(ch *Channel, push *Push) {
	c.writeOrBuffer(ch, push)
}

func (c *Client) sendPush(ch *Channel, push *Push) {
	c.writeOrBuffer(ch, push)
}

func (c *Client) writeOrBuffer(ch *Channel, push *Push) {
	payloadMap, _ := toMap(push.Payload)
	binary := wire.IsBroadcastBinary(push.Event, payloadMap)

	var frame []byte
	var err error
	ch.mu.Lock()
	joinRef := ch.joinRef
	ch.mu.Unlock()
	if binary {
		raw, jerr := json.Marshal(push.Payload)
		frame, err = wire.EncodeBroadcastPush(wire.BroadcastPush{
			JoinRef:     joinRef,
			Ref:         push.Ref,
			Topic:       ch.topic,
			Event:       payloadMap["event"].(string),
			JSONPayload: raw,
		})
		_ = jerr
	} else {
		body, _ := json.Marshal(push.Payload)
		jr := joinRef
		ref := push.Ref
		frame, err = wire.EncodeJSON(wire.Message{
			JoinRef: &jr,
			Ref:     &ref,
			Topic:   ch.topic,
			Event:   push.Event,
			Payload: body,
		})
	}
	if err != nil {
		c.log().Warn("realtime: failed to encode push", "error", err)
		return
	}
	c.trace.Publish(TraceEvent{Direction: "out", Topic: ch.topic, Event: push.Event})

	push.StartTimeout(func() { push.Resolve(Reply{Status: "timeout"}) })

	c.mu.Lock()
	if c.connState == Connected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		if c.writeFrame(conn, frame, binary) == nil {
			push.MarkSent()
		}
		return
	}
	c.sendBuffer = append(c.sendBuffer, bufferedFrame{data: frame, binary: binary})
	c.mu.Unlock()
}

func (c *Client) writeFrame(conn *websocket.Conn, frame []byte, binary bool) error {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	return conn.WriteMessage(msgType, frame)
}

func (c *Client) flushSendBuffer() {
	c.mu.Lock()
	buffered := c.sendBuffer
	c.sendBuffer = nil
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	for _, f := range buffered {
		if err := c.writeFrame(conn, f.data, f.binary); err != nil {
			c.log().Warn("realtime: failed to flush buffered send", "error", err)
			return
		}
	}
}

// httpBroadcastFallback posts a broadcast message over HTTP when the
// socket can't carry it() fallback.
func (c *Client) httpBroadcastFallback(ch *Channel, payload any, push *Push) {
	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{
			{"topic": ch.subTopic, "event": "broadcast", "payload": payload, "private": ch.private},
		},
	})
	req, err := http.NewRequest(http.MethodPost, c.broadcastURL(), bytes.NewReader(body))
	if err != nil {
		push.Resolve(Reply{Status: "error", Response: err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if tok := c.currentAccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	c.log().Warn("realtime: broadcasting over HTTP fallback (channel not joined)", "topic", ch.topic)

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		push.Resolve(Reply{Status: "error", Response: err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		push.Resolve(Reply{Status: "ok"})
	} else {
		push.Resolve(Reply{Status: "error", Response: resp.StatusCode})
	}
}

// --- Heartbeat ---

func (c *Client) startHeartbeat() {
	c.mu.Lock()
	c.stopHeartbeatLocked()
	c.heartbeatTimer = time.AfterFunc(c.opts.HeartbeatInterval, c.tickHeartbeat)
	c.mu.Unlock()
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	c.pendingHeartbeatRef = ""
}

func (c *Client) tickHeartbeat() {
	c.mu.Lock()
	if c.connState != Connected {
		c.mu.Unlock()
		c.notifyHeartbeat("disconnected", 0)
		return
	}
	if c.pendingHeartbeatRef != "" {
		conn := c.conn
		c.mu.Unlock()
		c.notifyHeartbeat("timeout", 0)
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "heartbeat timeout"),
				time.Now().Add(time.Second))
		}
		c.scheduleReconnectAfter(100 * time.Millisecond)
		return
	}

	ref := c.nextRef()
	c.pendingHeartbeatRef = ref
	c.heartbeatSentAt = time.Now()
	conn := c.conn
	c.heartbeatTimer = time.AfterFunc(c.opts.HeartbeatInterval, c.tickHeartbeat)
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]any{})
	frame, _ := wire.EncodeJSON(wire.Message{JoinRef: nil, Ref: &ref, Topic: phoenixTopic, Event: heartbeatEvt, Payload: body})
	if conn != nil {
		_ = c.writeFrame(conn, frame, false)
	}
	c.notifyHeartbeat("sent", 0)
	go c.refreshTokenAsync()
}

// scheduleReconnectAfter force-schedules a reconnect after delay,
// bypassing the exponential backoff table (used by the heartbeat-timeout
// path, which always waits exactly 100ms).
func (c *Client) scheduleReconnectAfter(delay time.Duration) {
	c.mu.Lock()
	c.connState = Disconnected
	c.heartbeatReconnectPending = true
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		manual := c.manual
		c.heartbeatReconnectPending = false
		c.mu.Unlock()
		if !manual {
			c.Connect()
		}
	})
	c.mu.Unlock()
}

func (c *Client) notifyHeartbeat(status string, latency time.Duration) {
	if c.opts.HeartbeatCallback != nil {
		c.opts.HeartbeatCallback(status, latency)
	}
}

func (c *Client) handleHeartbeatReply(ref string) {
	c.mu.Lock()
	if c.pendingHeartbeatRef != ref {
		c.mu.Unlock()
		return
	}
	latency := time.Since(c.heartbeatSentAt)
	c.pendingHeartbeatRef = ""
	c.mu.Unlock()
	c.notifyHeartbeat("ok", latency)
}

// --- Token plane ---

// SetAuth with a non-empty token marks it as manually set: the resolver
// callback is never consulted again until SetAuth is called with "".
// SetAuth("") invokes the async resolver, falling back to the last cached
// token on failure.
func (c *Client) SetAuth(ctx context.Context, token string) {
	var resolved string
	if token != "" {
		c.mu.Lock()
		c.manuallySetAuth = true
		c.mu.Unlock()
		resolved = token
	} else {
		c.mu.Lock()
		c.manuallySetAuth = false
		cached := c.cachedToken
		c.mu.Unlock()
		if c.opts.AccessToken == nil {
			return
		}
		tok, err := c.opts.AccessToken(ctx)
		if err != nil || tok == "" {
			c.log().Warn("realtime: access token resolver failed, using cached token", "error", err)
			resolved = cached
		} else {
			resolved = tok
		}
	}

	c.mu.Lock()
	changed := resolved != c.cachedToken
	c.cachedToken = resolved
	c.mu.Unlock()

	if !changed || resolved == "" {
		return
	}

	for _, ch := range c.allChannels() {
		ch.mu.Lock()
		if ch.joinPayload == nil {
			ch.joinPayload = make(map[string]any)
		}
		joined := ch.state == ChannelJoined
		ch.mu.Unlock()
		if joined {
			ch.Push("access_token", map[string]any{"access_token": resolved}, c.timeout())
		}
	}
}

func (c *Client) currentAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedToken
}

func (c *Client) refreshTokenOnJoin() {
	go c.refreshTokenAsync()
}

func (c *Client) refreshTokenAsync() {
	c.mu.Lock()
	manual := c.manuallySetAuth
	c.mu.Unlock()
	if manual {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()
	c.SetAuth(ctx, "")
}

// --- Read loop ---

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.onSocketClosed()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				close(done)
			}
			return
		}
		c.handleFrame(msgType, data)
	}
}

func (c *Client) handleFrame(msgType int, data []byte) {
	var msg wire.Message
	var err error
	if msgType == websocket.BinaryMessage {
		msg, err = wire.DecodeBroadcastIncoming(data)
	} else {
		msg, err = wire.DecodeJSON(data)
	}
	if err != nil {
		c.log().Warn("realtime: failed to decode frame", "error", err)
		return
	}
	c.trace.Publish(TraceEvent{Direction: "in", Topic: msg.Topic, Event: msg.Event})

	if msg.Topic == phoenixTopic && msg.Event == "phx_reply" && msg.Ref != nil {
		c.mu.Lock()
		isHB := *msg.Ref == c.pendingHeartbeatRef
		c.mu.Unlock()
		if isHB {
			c.handleHeartbeatReply(*msg.Ref)
			return
		}
	}

	c.mu.Lock()
	ch, ok := c.channels[msg.Topic]
	c.mu.Unlock()
	if !ok {
		return
	}
	ch.HandleMessage(msg.JoinRef, msg.Ref, msg.Event, msg.Payload)
}

// toMap best-effort converts v to a map[string]any for binary-broadcast
// detection: a map[string]any passes through unchanged, anything else is
// round-tripped through JSON, and a value that is not a JSON object
// yields a nil map.
func toMap(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, nil
	}
	return m, nil
}
