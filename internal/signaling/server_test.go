package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdrop/relay/internal/metrics"
	"github.com/peerdrop/relay/internal/relay"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Manager == nil {
		opts.Manager = relay.NewManager(relay.Config{}, nil, metrics.New(), nil, nil)
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	srv := NewServer(opts)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func readUntilType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readJSON(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message before deadline", msgType)
	return nil
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_WelcomeOnConnect(t *testing.T) {
	ts := newTestServer(t, Options{})
	conn := dial(t, ts, nil)

	welcome := readJSON(t, conn)
	if welcome["type"] != "welcome" {
		t.Fatalf("first message type = %v, want welcome", welcome["type"])
	}
	if welcome["clientId"] == nil || welcome["clientColor"] == nil {
		t.Fatalf("welcome missing identity fields: %v", welcome)
	}
	if _, present := welcome["suggestedName"]; !present {
		t.Fatal("welcome missing suggestedName")
	}
}

func TestServer_NameJoinBroadcastsOverWire(t *testing.T) {
	ts := newTestServer(t, Options{})

	connA := dial(t, ts, nil)
	readJSON(t, connA) // welcome
	connB := dial(t, ts, nil)
	readJSON(t, connB) // welcome

	writeJSON(t, connA, map[string]any{"type": "name", "networkName": "team"})
	readUntilType(t, connA, "network")

	writeJSON(t, connB, map[string]any{"type": "name", "networkName": "TEAM"})

	network := readUntilType(t, connB, "network")
	clients := network["clients"].([]any)
	if len(clients) != 2 {
		t.Fatalf("network snapshot has %d clients, want 2", len(clients))
	}

	// A's refresh after B joined includes both too.
	network = readUntilType(t, connA, "network")
	if len(network["clients"].([]any)) != 2 {
		t.Fatalf("joined group broadcast missing members: %v", network)
	}
}

func TestServer_TransferRelayedToTarget(t *testing.T) {
	ts := newTestServer(t, Options{})

	connA := dial(t, ts, nil)
	welcomeA := readJSON(t, connA)
	connB := dial(t, ts, nil)
	welcomeB := readJSON(t, connB)

	writeJSON(t, connA, map[string]any{
		"type":       "transfer",
		"targetId":   welcomeB["clientId"],
		"transferId": "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9",
		"fileName":   "photo.jpg",
		"fileSize":   1234,
		"fileType":   "image/jpeg",
	})

	got := readUntilType(t, connB, "transfer")
	if got["clientId"] != welcomeA["clientId"] {
		t.Fatalf("relayed clientId = %v, want sender %v", got["clientId"], welcomeA["clientId"])
	}
	if got["fileName"] != "photo.jpg" {
		t.Fatalf("payload mangled: %v", got)
	}
}

func TestServer_MalformedFrameKeepsConnectionUsable(t *testing.T) {
	ts := newTestServer(t, Options{})
	conn := dial(t, ts, nil)
	readJSON(t, conn) // welcome

	// Not JSON, then JSON of the wrong shape, then a binary frame. All must
	// be swallowed without a close or a reply.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeJSON(t, conn, map[string]any{"type": "name"})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}

	writeJSON(t, conn, map[string]any{"type": "name", "networkName": "TEAM"})
	network := readUntilType(t, conn, "network")
	if len(network["clients"].([]any)) != 1 {
		t.Fatalf("connection not usable after bad frames: %v", network)
	}
}

func TestServer_OversizedFrameDroppedSilently(t *testing.T) {
	ts := newTestServer(t, Options{MaxMessageBytes: 256})
	conn := dial(t, ts, nil)
	readJSON(t, conn) // welcome

	big := map[string]any{"type": "name", "networkName": "TEAM", "clientName": strings.Repeat("x", 500)}
	writeJSON(t, conn, big)

	writeJSON(t, conn, map[string]any{"type": "name", "networkName": "TEAM"})
	network := readUntilType(t, conn, "network")
	views := network["clients"].([]any)
	if name, ok := views[0].(map[string]any)["clientName"]; ok && name != nil {
		t.Fatalf("oversized frame was processed: clientName = %v", name)
	}
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	ts := newTestServer(t, Options{MaxMessagesPerSecond: 1})
	conn := dial(t, ts, nil)
	readJSON(t, conn) // welcome

	for i := 0; i < 10; i++ {
		if err := conn.WriteJSON(map[string]any{"type": "name", "networkName": "TEAM"}); err != nil {
			return // server already closed, which is the expected outcome
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return
			}
			// An abrupt teardown is also acceptable, but a timeout is not.
			if strings.Contains(err.Error(), "timeout") {
				t.Fatal("connection survived sustained message flood")
			}
			return
		}
	}
}

func TestServer_OriginAllowlist(t *testing.T) {
	ts := newTestServer(t, Options{AllowedOrigins: []string{"https://drop.example"}})

	// Allowed origin upgrades.
	header := http.Header{"Origin": []string{"https://drop.example"}}
	conn := dial(t, ts, header)
	readJSON(t, conn)

	// Unlisted origin is refused at the handshake.
	header = http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatal("dial from unlisted origin succeeded")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	}

	// No Origin header (non-browser client) upgrades.
	conn2 := dial(t, ts, nil)
	readJSON(t, conn2)
}

func TestServer_BehindProxyGroupsByForwardedFor(t *testing.T) {
	ts := newTestServer(t, Options{BehindProxy: true})

	headerA := http.Header{"X-Forwarded-For": []string{"203.0.113.7, 10.0.0.1"}}
	connA := dial(t, ts, headerA)
	readJSON(t, connA) // welcome
	writeJSON(t, connA, map[string]any{"type": "name", "networkName": "home"})
	readUntilType(t, connA, "network")

	headerB := http.Header{"X-Forwarded-For": []string{"203.0.113.7"}}
	connB := dial(t, ts, headerB)
	welcomeB := readJSON(t, connB)
	if welcomeB["suggestedName"] != "HOME" {
		t.Fatalf("suggestedName = %v, want HOME via X-Forwarded-For grouping", welcomeB["suggestedName"])
	}
}

func TestServer_MaxClientsRefusedAtUpgrade(t *testing.T) {
	mgr := relay.NewManager(relay.Config{MaxClients: 1}, nil, metrics.New(), nil, nil)
	ts := newTestServer(t, Options{Manager: mgr})

	connA := dial(t, ts, nil)
	readJSON(t, connA) // welcome

	connB := dial(t, ts, nil)
	_ = connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := connB.ReadMessage()
	if err == nil {
		t.Fatal("over-capacity connection was not closed")
	}
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("close error = %v, want try-again-later", err)
	}
}

func TestServer_DisconnectRemovesFromGroup(t *testing.T) {
	mgr := relay.NewManager(relay.Config{}, nil, metrics.New(), nil, nil)
	ts := newTestServer(t, Options{Manager: mgr})

	connA := dial(t, ts, nil)
	readJSON(t, connA)
	writeJSON(t, connA, map[string]any{"type": "name", "networkName": "TEAM"})
	readUntilType(t, connA, "network")

	connB := dial(t, ts, nil)
	readJSON(t, connB)
	writeJSON(t, connB, map[string]any{"type": "name", "networkName": "TEAM"})
	readUntilType(t, connB, "network")

	connB.Close()

	// A hears about the departure once the server's read loop unwinds.
	network := readUntilType(t, connA, "network")
	deadline := time.Now().Add(2 * time.Second)
	for len(network["clients"].([]any)) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("departure broadcast never arrived: %v", network)
		}
		network = readUntilType(t, connA, "network")
	}
}
