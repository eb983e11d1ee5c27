package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdrop/relay/internal/relay"
)

// wsTransport adapts one gorilla connection to the relay's Transport. Writes
// are serialized; a failed write marks the transport closed so the broken
// sweep reclaims the client even if the read loop hasn't noticed yet.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu    sync.Mutex
	state relay.TransportState
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn, state: relay.StateOpen}
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markClosed()
		return err
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.markClosed()
	return t.conn.Close()
}

// closeWithCode sends a close frame before tearing the connection down, so
// well-behaved clients see the reason instead of an abrupt EOF.
func (t *wsTransport) closeWithCode(code int, reason string) {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	t.writeMu.Unlock()
	_ = t.Close()
}

func (t *wsTransport) State() relay.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *wsTransport) markClosed() {
	t.mu.Lock()
	t.state = relay.StateClosed
	t.mu.Unlock()
}
