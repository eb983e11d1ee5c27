package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event counter names used across the relay.
const (
	ClientsAdded   = "clients_added"
	ClientsRemoved = "clients_removed"

	MessagesRelayed   = "messages_relayed"
	NetworkBroadcasts = "network_broadcasts"
	PingsSent         = "pings_sent"

	ClientsBrokenEvicted = "clients_broken_evicted"
	ClientsIdleEvicted   = "clients_idle_evicted"
	ClientsPingEvicted   = "clients_ping_evicted"

	DropReasonBadMessage  = "bad_message"
	DropReasonOversized   = "oversized"
	DropReasonNonText     = "non_text_frame"
	DropReasonRateLimited = "rate_limited"
	DropReasonSelfTarget  = "self_target"
	DropReasonNoTarget    = "target_missing"

	RegistryFull     = "registry_full"
	SendFailures     = "send_failures"
	DuplicateClients = "duplicate_client_id"
)

// Metrics is a concurrency-safe named-counter registry.
//
// Counters are kept in-process for cheap test assertions (Get) and mirrored
// into a Prometheus registry for scraping via Handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	reg       *prometheus.Registry
	events    *prometheus.CounterVec
	connected prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdrop_relay_events_total",
		Help: "Internal relay event counters.",
	}, []string{"event"})

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerdrop_relay_connected_clients",
		Help: "Number of clients currently registered with the relay.",
	})

	reg.MustRegister(events, connected)

	return &Metrics{
		m:         make(map[string]uint64),
		reg:       reg,
		events:    events,
		connected: connected,
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// SetConnectedClients records the current registry size.
func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connected.Set(float64(n))
}

// Handler exposes the Prometheus registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
