package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/peerdrop/relay/internal/metrics"
	"github.com/peerdrop/relay/internal/protocol"
	"github.com/peerdrop/relay/internal/ratelimit"
)

// RTCConfigProvider supplies the opaque ICE configuration embedded verbatim
// in the welcome message. The Manager never inspects the returned value.
type RTCConfigProvider interface {
	RTCConfiguration(clientID string) any
}

// Config carries the Manager's tunables. Zero values select the defaults the
// original deployment used.
type Config struct {
	// MaxClients caps the registry size. 0 means unlimited.
	MaxClients int

	// ClientIdleTimeout is the lastSeen age past which an open but silent
	// connection is reclaimed.
	ClientIdleTimeout time.Duration

	BrokenSweepInterval time.Duration
	PingInterval        time.Duration
	IdleSweepInterval   time.Duration

	// Welcome message extras.
	WelcomeMaxSize int64
	NoticeText     string
	NoticeURL      string
}

func (c Config) idleTimeout() time.Duration {
	if c.ClientIdleTimeout <= 0 {
		return 20 * time.Second
	}
	return c.ClientIdleTimeout
}

func (c Config) brokenSweepInterval() time.Duration {
	if c.BrokenSweepInterval <= 0 {
		return 1 * time.Second
	}
	return c.BrokenSweepInterval
}

func (c Config) pingInterval() time.Duration {
	if c.PingInterval <= 0 {
		return 5 * time.Second
	}
	return c.PingInterval
}

func (c Config) idleSweepInterval() time.Duration {
	if c.IdleSweepInterval <= 0 {
		return 10 * time.Second
	}
	return c.IdleSweepInterval
}

// Manager owns the registry of connected clients and routes every signaling
// message between them.
//
// All registry mutation and iteration happens under a single mutex; sends to
// transports are fire-and-forget and never block on anything but the write
// itself.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	clock   ratelimit.Clock
	metrics *metrics.Metrics
	rtc     RTCConfigProvider

	mu      sync.Mutex
	clients []*Client
}

func NewManager(cfg Config, logger *slog.Logger, m *metrics.Metrics, clock ratelimit.Clock, rtc RTCConfigProvider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Manager{
		log:     logger,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		rtc:     rtc,
	}
}

func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// ClientCount returns the current registry size.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// AddClient registers a new client and sends it the welcome message. No
// broadcast goes to other clients; they learn about the newcomer only once it
// joins a rendezvous group.
func (m *Manager) AddClient(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxClients > 0 && len(m.clients) >= m.cfg.MaxClients {
		m.metrics.Inc(metrics.RegistryFull)
		return ErrTooManyClients
	}
	for _, existing := range m.clients {
		if existing.ID == c.ID {
			m.metrics.Inc(metrics.DuplicateClients)
			return ErrDuplicateClientID
		}
	}

	var suggestedName *string
	if locals := m.localClientsLocked(c); len(locals) > 0 {
		suggestedName = &locals[0].NetworkName
	}

	m.clients = append(m.clients, c)
	m.metrics.Inc(metrics.ClientsAdded)
	m.metrics.SetConnectedClients(len(m.clients))

	welcome := protocol.WelcomeMessage{
		Type:          protocol.KindWelcome,
		ClientID:      c.ID,
		ClientColor:   c.Color,
		SuggestedName: suggestedName,
		MaxSize:       m.cfg.WelcomeMaxSize,
		NoticeText:    m.cfg.NoticeText,
		NoticeURL:     m.cfg.NoticeURL,
	}
	if m.rtc != nil {
		welcome.RTCConfiguration = m.rtc.RTCConfiguration(c.ID)
	}

	m.sendLocked(c, welcome)
	return nil
}

// HandleMessage validates and dispatches one already-decoded frame from c.
// Invalid frames are dropped with no response and no state change beyond the
// lastSeen touch.
func (m *Manager) HandleMessage(c *Client, raw map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Touch(m.clock.Now())

	msg, ok := protocol.Classify(raw)
	if !ok {
		m.metrics.Inc(metrics.DropReasonBadMessage)
		return
	}

	switch msg.Kind {
	case protocol.KindName:
		if msg.ClientName != "" {
			c.ClientName = msg.ClientName
		}
		if msg.PublicKey != "" {
			c.PublicKey = msg.PublicKey
		}
		name := strings.ToUpper(msg.NetworkName)
		for _, group := range c.setNetworkName(name) {
			m.sendNetworkMessageLocked(group)
		}
	default:
		m.sendMessageLocked(c.ID, msg)
	}
}

// RemoveClient clears the client's group membership (broadcasting its
// departure to the old group) and deletes it from the registry. Removing an
// unknown client is a no-op.
func (m *Manager) RemoveClient(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeClientLocked(c)
}

// GetLocalClients returns the other registered clients sharing c's remote
// address that are currently in a rendezvous group, most recently seen first.
func (m *Manager) GetLocalClients(c *Client) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localClientsLocked(c)
}

// PingClients probes every open transport. A failed send is evidence of
// death: the client is removed and its transport force-closed.
func (m *Manager) PingClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(protocol.PingMessage{
		Type:      protocol.KindPing,
		Timestamp: m.clock.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	var dead []*Client
	for _, c := range m.clients {
		if c.Transport().State() != StateOpen {
			continue
		}
		if err := c.Transport().Send(data); err != nil {
			dead = append(dead, c)
			continue
		}
		m.metrics.Inc(metrics.PingsSent)
	}

	for _, c := range dead {
		m.metrics.Inc(metrics.ClientsPingEvicted)
		m.removeClientLocked(c)
		_ = c.Transport().Close()
	}
}

// RemoveBrokenClients sweeps out clients whose transport is no longer open or
// connecting. Safety net for transports that die without a close event.
func (m *Manager) RemoveBrokenClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var broken []*Client
	for _, c := range m.clients {
		if c.Transport().State() > StateOpen {
			broken = append(broken, c)
		}
	}
	for _, c := range broken {
		m.metrics.Inc(metrics.ClientsBrokenEvicted)
		m.removeClientLocked(c)
	}
}

// RemoveInactiveClients reclaims connections that are technically alive but
// have not sent anything within the idle threshold.
func (m *Manager) RemoveInactiveClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.cfg.idleTimeout())

	var idle []*Client
	for _, c := range m.clients {
		if c.Transport().State() != StateOpen {
			continue
		}
		if c.LastSeen.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		m.metrics.Inc(metrics.ClientsIdleEvicted)
		m.removeClientLocked(c)
		_ = c.Transport().Close()
	}
}

// Run drives the three periodic sweeps until ctx is done. The sweeps share
// the registry mutex with message handling, so each tick runs to completion
// before anything else touches the registry.
func (m *Manager) Run(ctx context.Context) {
	broken := time.NewTicker(m.cfg.brokenSweepInterval())
	defer broken.Stop()
	ping := time.NewTicker(m.cfg.pingInterval())
	defer ping.Stop()
	idle := time.NewTicker(m.cfg.idleSweepInterval())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-broken.C:
			m.RemoveBrokenClients()
		case <-ping.C:
			m.PingClients()
		case <-idle.C:
			m.RemoveInactiveClients()
		}
	}
}

func (m *Manager) removeClientLocked(c *Client) {
	for _, group := range c.setNetworkName("") {
		m.sendNetworkMessageLocked(group)
	}

	for i, existing := range m.clients {
		if existing == c {
			m.clients = append(m.clients[:i], m.clients[i+1:]...)
			m.metrics.Inc(metrics.ClientsRemoved)
			m.metrics.SetConnectedClients(len(m.clients))
			return
		}
	}
}

// sendMessageLocked relays msg to the client addressed by its targetId,
// stamping the sender's id into the payload first. Messages without a target,
// or targeting the sender itself, are dropped. Zero matching targets is a
// normal outcome (target disconnected).
func (m *Manager) sendMessageLocked(fromID string, msg protocol.Message) {
	if msg.TargetID == "" || msg.TargetID == fromID {
		m.metrics.Inc(metrics.DropReasonSelfTarget)
		return
	}

	msg.Fields["clientId"] = fromID
	data, err := json.Marshal(msg.Fields)
	if err != nil {
		return
	}

	delivered := false
	for _, c := range m.clients {
		if c.ID != msg.TargetID {
			continue
		}
		if err := c.Transport().Send(data); err != nil {
			m.metrics.Inc(metrics.SendFailures)
			continue
		}
		delivered = true
	}

	if delivered {
		m.metrics.Inc(metrics.MessagesRelayed)
	} else {
		m.metrics.Inc(metrics.DropReasonNoTarget)
	}
}

// sendNetworkMessageLocked broadcasts a full membership snapshot of one
// rendezvous group to every member, most recently connected first. A failed
// send to one member never aborts delivery to the rest.
func (m *Manager) sendNetworkMessageLocked(networkName string) {
	var members []*Client
	for _, c := range m.clients {
		if c.NetworkName == networkName {
			members = append(members, c)
		}
	}

	sort.SliceStable(members, func(i, j int) bool {
		return members[i].FirstSeen.After(members[j].FirstSeen)
	})

	views := make([]protocol.ClientView, 0, len(members))
	for _, c := range members {
		views = append(views, protocol.ClientView{
			ClientID:    c.ID,
			ClientColor: c.Color,
			ClientName:  c.ClientName,
			PublicKey:   c.PublicKey,
		})
	}

	data, err := json.Marshal(protocol.NetworkMessage{
		Type:    protocol.KindNetwork,
		Clients: views,
	})
	if err != nil {
		return
	}

	for _, c := range members {
		if err := c.Transport().Send(data); err != nil {
			m.metrics.Inc(metrics.SendFailures)
		}
	}
	m.metrics.Inc(metrics.NetworkBroadcasts)
}

func (m *Manager) localClientsLocked(c *Client) []*Client {
	var locals []*Client
	for _, other := range m.clients {
		if other.ID == c.ID {
			continue
		}
		if other.RemoteAddress == c.RemoteAddress && other.NetworkName != "" {
			locals = append(locals, other)
		}
	}
	sort.SliceStable(locals, func(i, j int) bool {
		return locals[i].LastSeen.After(locals[j].LastSeen)
	})
	return locals
}

func (m *Manager) sendLocked(c *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.Transport().Send(data); err != nil {
		m.metrics.Inc(metrics.SendFailures)
		m.log.Debug("send failed", "client_id", c.ID, "err", err)
	}
}
