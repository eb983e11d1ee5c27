// Package rtcconfig assembles the rtcConfiguration object embedded in every
// welcome message. The relay treats it as opaque; browsers feed it straight
// into RTCPeerConnection.
package rtcconfig

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerdrop/relay/internal/turnrest"
)

// DefaultSTUNServer is used when no STUN url is configured.
const DefaultSTUNServer = "stun:stun.1.google.com:19302"

// TURN credential modes.
const (
	TURNModeDefault = "default"
	TURNModeHMAC    = "hmac"
)

// Configuration is the JSON shape handed to RTCPeerConnection.
type Configuration struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// Options selects which ICE servers clients are told about.
//
// When ICEServers is non-empty it is served verbatim and every other field is
// ignored. Otherwise the STUN server is always included, and a TURN entry is
// appended when TURNServer is set: with static username/credential in default
// mode, or with per-client time-limited credentials in hmac mode.
type Options struct {
	ICEServers []webrtc.ICEServer

	STUNServer string

	TURNMode       string
	TURNServer     string
	TURNUsername   string
	TURNCredential string
	TURNSecret     string
	TURNTTL        time.Duration

	Now func() time.Time
}

// Builder implements the rtc configuration provider consumed by the client
// manager.
type Builder struct {
	static []webrtc.ICEServer

	turnServer   string
	turnUsername string
	turnGen      *turnrest.Generator
}

func NewBuilder(opts Options) (*Builder, error) {
	if len(opts.ICEServers) > 0 {
		return &Builder{static: opts.ICEServers}, nil
	}

	stun := opts.STUNServer
	if stun == "" {
		stun = DefaultSTUNServer
	}
	b := &Builder{static: []webrtc.ICEServer{{URLs: []string{stun}}}}

	if opts.TURNServer == "" {
		return b, nil
	}

	mode := opts.TURNMode
	if mode == "" {
		mode = TURNModeDefault
	}
	switch mode {
	case TURNModeHMAC:
		if opts.TURNSecret == "" {
			return nil, errors.New("turn hmac mode requires a shared secret")
		}
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret: opts.TURNSecret,
			TTL:          opts.TURNTTL,
			Now:          opts.Now,
		})
		if err != nil {
			return nil, err
		}
		b.turnServer = opts.TURNServer
		b.turnUsername = opts.TURNUsername
		b.turnGen = gen
	case TURNModeDefault:
		if opts.TURNUsername == "" || opts.TURNCredential == "" {
			return nil, errors.New("turn default mode requires username and credential")
		}
		b.static = append(b.static, webrtc.ICEServer{
			URLs:       []string{opts.TURNServer},
			Username:   opts.TURNUsername,
			Credential: opts.TURNCredential,
		})
	default:
		return nil, errors.New("unknown turn mode " + mode)
	}
	return b, nil
}

// RTCConfiguration builds the configuration for one client. In hmac mode the
// TURN credentials are minted fresh per client so each connection carries its
// own expiry; the identity inside the TURN username is the configured TURN
// username when set, the client id otherwise.
func (b *Builder) RTCConfiguration(clientID string) any {
	servers := make([]webrtc.ICEServer, len(b.static))
	copy(servers, b.static)

	if b.turnGen != nil {
		identity := b.turnUsername
		if identity == "" {
			identity = clientID
		}
		creds, err := b.turnGen.Generate(identity)
		if err == nil {
			servers = append(servers, webrtc.ICEServer{
				URLs:       []string{b.turnServer},
				Username:   creds.Username,
				Credential: creds.Credential,
			})
		}
	}

	return Configuration{ICEServers: servers}
}
