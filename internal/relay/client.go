package relay

import (
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/peerdrop/relay/internal/ratelimit"
)

// TransportState mirrors the WebSocket readyState model.
type TransportState int

const (
	StateConnecting TransportState = iota
	StateOpen
	StateClosing
	StateClosed
)

// Transport is the capability interface a Client holds for its connection.
//
// The Manager depends only on this interface plus the Client's data fields,
// so tests can register doubles without a real socket.
type Transport interface {
	// Send writes one text frame. Best-effort: an error means the channel is
	// unusable, never that delivery merely failed downstream.
	Send(data []byte) error
	Close() error
	State() TransportState
}

// Client is the per-connection record tracked by the Manager.
//
// ID, Color, FirstSeen and RemoteAddress are immutable after construction.
// The remaining fields are guarded by the Manager's mutex once the client is
// registered.
type Client struct {
	ID            string
	Color         string
	FirstSeen     time.Time
	RemoteAddress string

	LastSeen    time.Time
	NetworkName string
	ClientName  string
	PublicKey   string

	transport Transport
}

func NewClient(t Transport, remoteAddress string, clock ratelimit.Clock) *Client {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	now := clock.Now()
	return &Client{
		ID:            uuid.NewString(),
		Color:         randomLightColor(),
		FirstSeen:     now,
		LastSeen:      now,
		RemoteAddress: remoteAddress,
		transport:     t,
	}
}

func (c *Client) Transport() Transport { return c.transport }

// Touch advances LastSeen. It never moves backwards.
func (c *Client) Touch(now time.Time) {
	if now.After(c.LastSeen) {
		c.LastSeen = now
	}
}

// setNetworkName performs the group-membership transition and returns the
// names of the groups whose membership broadcast must be refreshed: the old
// group (if any) and the new one (if any), deduplicated. The caller performs
// the broadcasts; the transition itself does no I/O.
func (c *Client) setNetworkName(name string) []string {
	previous := c.NetworkName
	c.NetworkName = name

	var affected []string
	if previous != "" {
		affected = append(affected, previous)
	}
	if name != "" && name != previous {
		affected = append(affected, name)
	}
	return affected
}

// randomLightColor returns a high-lightness HSL color for UI distinction.
// Cosmetic only; no protocol significance.
func randomLightColor() string {
	h := rand.IntN(360)
	s := 55 + rand.IntN(40)
	l := 70 + rand.IntN(16)
	return "hsl(" + strconv.Itoa(h) + ", " + strconv.Itoa(s) + "%, " + strconv.Itoa(l) + "%)"
}
