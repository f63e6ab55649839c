package realtime

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSocketURLIncludesVSNAndAPIKey(t *testing.T) {
	c := NewClient("wss://example.supabase.co/realtime/v1", "anon-key", Options{LogLevel: "info"})
	raw := c.socketURL()

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("socketURL produced an unparsable URL: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		t.Fatalf("expected path to end in /websocket, got %q", u.Path)
	}
	q := u.Query()
	if q.Get("vsn") != "2.0.0" {
		t.Fatalf("expected default vsn 2.0.0, got %q", q.Get("vsn"))
	}
	if q.Get("apikey") != "anon-key" {
		t.Fatalf("expected apikey query param, got %q", q.Get("apikey"))
	}
	if q.Get("log_level") != "info" {
		t.Fatalf("expected log_level query param, got %q", q.Get("log_level"))
	}
}

func TestBroadcastURLStripsKnownSuffixesInOrder(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"wss://example.supabase.co/realtime/v1/socket/websocket", "https://example.supabase.co/realtime/v1/api/broadcast"},
		{"ws://localhost:4000/socket", "http://localhost:4000/api/broadcast"},
		{"wss://example.supabase.co/realtime/v1", "https://example.supabase.co/realtime/v1/api/broadcast"},
	}
	for _, tc := range cases {
		c := NewClient(tc.base, "k", Options{})
		if got := c.broadcastURL(); got != tc.want {
			t.Errorf("broadcastURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestDefaultReconnectAfterTable(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := defaultReconnectAfter(i + 1); got != w {
			t.Errorf("defaultReconnectAfter(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestNextRefMonotonic(t *testing.T) {
	c := newTestClient()
	first := c.nextRef()
	second := c.nextRef()
	if first == second {
		t.Fatalf("expected distinct refs, got %q twice", first)
	}
}

func TestToMapPassesThroughMapAndMarshalsStruct(t *testing.T) {
	m, err := toMap(map[string]any{"event": "chat"})
	if err != nil || m["event"] != "chat" {
		t.Fatalf("expected passthrough map, got %#v, %v", m, err)
	}

	type payload struct {
		Event string `json:"event"`
	}
	m2, err := toMap(payload{Event: "chat"})
	if err != nil {
		t.Fatalf("toMap on struct: %v", err)
	}
	if m2["event"] != "chat" {
		t.Fatalf("expected struct to marshal through to a map, got %#v", m2)
	}
}

func TestConnectIsNoopWhileConnectingOrConnected(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.connState = Connected
	c.mu.Unlock()

	c.Connect() // must be a no-op; dial() would otherwise flip state to Connecting

	if c.isConnected() == false {
		t.Fatal("Connect() on an already-connected client must not change state")
	}
}

func TestOnSocketClosedDoesNotClobberHeartbeatReconnect(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.connState = Connected
	c.mu.Unlock()

	c.scheduleReconnectAfter(100 * time.Millisecond)

	c.mu.Lock()
	timerAfterHeartbeat := c.reconnectTimer
	c.mu.Unlock()

	// The peer's close frame round-trips before the 100ms timer fires.
	c.onSocketClosed()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTries != 0 {
		t.Fatalf("onSocketClosed must not fall through to scheduleReconnect while a heartbeat reconnect is pending, got reconnectTries=%d", c.reconnectTries)
	}
	if c.reconnectTimer != timerAfterHeartbeat {
		t.Fatal("onSocketClosed replaced the heartbeat-timeout's fixed-delay timer with a new one")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.connState = Connected
	c.mu.Unlock()

	c.Disconnect()

	c.mu.Lock()
	manual := c.manual
	c.mu.Unlock()
	if !manual {
		t.Fatal("expected Disconnect to set manual=true so onSocketClosed skips reconnect")
	}
}
