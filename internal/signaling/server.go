// Package signaling terminates the WebSocket connections clients use to
// discover peers and exchange WebRTC session descriptions.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerdrop/relay/internal/metrics"
	"github.com/peerdrop/relay/internal/origin"
	"github.com/peerdrop/relay/internal/ratelimit"
	"github.com/peerdrop/relay/internal/relay"
)

const (
	wsWriteWait = 1 * time.Second

	wsReadBufferBytes  = 4096
	wsWriteBufferBytes = 4096
)

type Options struct {
	Manager *relay.Manager
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	// BehindProxy trusts X-Forwarded-For for the client's remote address.
	BehindProxy bool

	// MaxMessageBytes is the app-level frame size limit. Frames above it are
	// dropped without closing the connection; frames several times larger
	// trip the hard websocket read limit and do end the connection.
	MaxMessageBytes int64

	// MaxMessagesPerSecond caps inbound frames per connection. 0 disables.
	MaxMessagesPerSecond int

	// AllowedOrigins gates browser upgrades. Empty allows all origins.
	AllowedOrigins []string
}

// Server owns the /ws endpoint. Each accepted connection becomes one client
// record in the relay manager for as long as the read loop lives.
type Server struct {
	log     *slog.Logger
	manager *relay.Manager
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	behindProxy          bool
	maxMessageBytes      int64
	maxMessagesPerSecond int

	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.RealClock{}
	}

	allowlist := opts.AllowedOrigins
	return &Server{
		log:                  opts.Logger,
		manager:              opts.Manager,
		metrics:              opts.Metrics,
		clock:                opts.Clock,
		behindProxy:          opts.BehindProxy,
		maxMessageBytes:      opts.MaxMessageBytes,
		maxMessagesPerSecond: opts.MaxMessagesPerSecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferBytes,
			WriteBufferSize: wsWriteBufferBytes,
			CheckOrigin: func(r *http.Request) bool {
				raw := r.Header.Get("Origin")
				if raw == "" {
					// Non-browser clients send no Origin; nothing to enforce.
					return true
				}
				normalized, ok := origin.Normalize(raw)
				if !ok {
					return false
				}
				return origin.Allowed(normalized, allowlist)
			},
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	transport := newWSTransport(conn)
	client := relay.NewClient(transport, s.clientAddress(r), s.clock)

	if err := s.manager.AddClient(client); err != nil {
		s.log.Warn("rejecting connection", "remote", r.RemoteAddr, "err", err)
		transport.closeWithCode(websocket.CloseTryAgainLater, "server full")
		return
	}

	s.log.Debug("client connected", "client_id", client.ID, "address", client.RemoteAddress)
	s.readLoop(client, transport)

	s.manager.RemoveClient(client)
	_ = transport.Close()
	s.log.Debug("client disconnected", "client_id", client.ID)
}

// readLoop pumps inbound frames into the manager until the connection dies.
// Invalid frames are dropped silently: the client keeps its registration and
// the connection stays usable.
func (s *Server) readLoop(client *relay.Client, transport *wsTransport) {
	// Hard cap well above the app-level limit. Anything this large is not a
	// protocol message and is not worth buffering.
	transport.conn.SetReadLimit(4 * s.maxMessageBytes)

	var limiter *ratelimit.TokenBucket
	if s.maxMessagesPerSecond > 0 {
		limiter = ratelimit.NewTokenBucket(s.clock, int64(s.maxMessagesPerSecond), int64(s.maxMessagesPerSecond))
	}

	for {
		msgType, data, err := transport.conn.ReadMessage()
		if err != nil {
			return
		}

		if limiter != nil && !limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.log.Warn("message rate exceeded, closing", "client_id", client.ID)
			transport.closeWithCode(websocket.ClosePolicyViolation, "message rate exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropReasonNonText)
			continue
		}
		if len(data) == 0 || int64(len(data)) > s.maxMessageBytes {
			s.metrics.Inc(metrics.DropReasonOversized)
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			s.metrics.Inc(metrics.DropReasonBadMessage)
			continue
		}

		s.manager.HandleMessage(client, raw)
	}
}

// clientAddress derives the address used for same-network grouping. Behind a
// reverse proxy the socket peer is the proxy, so the first X-Forwarded-For
// entry carries the real client.
func (s *Server) clientAddress(r *http.Request) string {
	if s.behindProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
