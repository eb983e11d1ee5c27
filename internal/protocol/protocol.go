package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// Kind identifies a message in the relay's closed taxonomy.
type Kind string

const (
	// Client-to-server / relayed kinds.
	KindName           Kind = "name"
	KindTransfer       Kind = "transfer"
	KindAction         Kind = "action"
	KindRTCDescription Kind = "rtcDescription"
	KindRTCCandidate   Kind = "rtcCandidate"
	KindEncrypted      Kind = "encrypted"

	// Server-to-client only kinds.
	KindWelcome Kind = "welcome"
	KindNetwork Kind = "network"
	KindPing    Kind = "ping"
)

const (
	MaxNetworkNameLength = 10
	MaxClientNameLength  = 32
)

// dataURLPrefix guards transfer previews: only embedded data URLs are
// forwarded, never links.
const dataURLPrefix = "data:"

var allowedActions = map[string]struct{}{
	"accept": {},
	"reject": {},
	"cancel": {},
}

// Message is a frame classified into exactly one recognized kind.
//
// For relayed kinds, Fields retains the full decoded payload so the router
// can stamp the sender id and forward the message verbatim.
type Message struct {
	Kind Kind

	// Set for KindName.
	NetworkName string
	ClientName  string
	PublicKey   string

	// Set for relayed kinds.
	TargetID string

	Fields map[string]any
}

// Classify validates an already-decoded frame against the taxonomy.
//
// A frame that declares no recognized kind, or fails its kind's field
// contract, is rejected; callers drop it silently.
func Classify(raw map[string]any) (Message, bool) {
	if raw == nil {
		return Message{}, false
	}
	kind, ok := stringField(raw, "type")
	if !ok {
		return Message{}, false
	}

	switch Kind(kind) {
	case KindName:
		return classifyName(raw)
	case KindTransfer:
		return classifyTransfer(raw)
	case KindAction:
		return classifyAction(raw)
	case KindRTCDescription:
		return classifyRTCDescription(raw)
	case KindRTCCandidate:
		return classifyRTCCandidate(raw)
	case KindEncrypted:
		return classifyEncrypted(raw)
	default:
		return Message{}, false
	}
}

// IsRelayed reports whether the kind is forwarded to a target peer rather
// than handled by the relay itself.
func (m Message) IsRelayed() bool {
	return m.Kind != KindName
}

func classifyName(raw map[string]any) (Message, bool) {
	networkName, ok := stringField(raw, "networkName")
	if !ok || !isAlphanumeric(networkName) || len(networkName) > MaxNetworkNameLength {
		return Message{}, false
	}

	msg := Message{
		Kind:        KindName,
		NetworkName: networkName,
		Fields:      raw,
	}

	if v, present := raw["clientName"]; present {
		name, ok := v.(string)
		if !ok || name == "" || len(name) > MaxClientNameLength {
			return Message{}, false
		}
		msg.ClientName = name
	}
	if v, present := raw["publicKey"]; present {
		key, ok := v.(string)
		if !ok {
			return Message{}, false
		}
		msg.PublicKey = key
	}

	return msg, true
}

func classifyTransfer(raw map[string]any) (Message, bool) {
	targetID, ok := uuidField(raw, "targetId")
	if !ok {
		return Message{}, false
	}
	if _, ok := uuidField(raw, "transferId"); !ok {
		return Message{}, false
	}
	if _, ok := stringField(raw, "fileName"); !ok {
		return Message{}, false
	}
	if _, ok := numberField(raw, "fileSize"); !ok {
		return Message{}, false
	}
	if _, ok := stringField(raw, "fileType"); !ok {
		return Message{}, false
	}
	if v, present := raw["preview"]; present {
		preview, ok := v.(string)
		if !ok || !strings.HasPrefix(preview, dataURLPrefix) {
			return Message{}, false
		}
	}

	return Message{Kind: KindTransfer, TargetID: targetID, Fields: raw}, true
}

func classifyAction(raw map[string]any) (Message, bool) {
	targetID, ok := uuidField(raw, "targetId")
	if !ok {
		return Message{}, false
	}
	if _, ok := uuidField(raw, "transferId"); !ok {
		return Message{}, false
	}
	action, ok := stringField(raw, "action")
	if !ok {
		return Message{}, false
	}
	if _, allowed := allowedActions[action]; !allowed {
		return Message{}, false
	}

	return Message{Kind: KindAction, TargetID: targetID, Fields: raw}, true
}

func classifyRTCDescription(raw map[string]any) (Message, bool) {
	targetID, ok := uuidField(raw, "targetId")
	if !ok {
		return Message{}, false
	}
	if _, ok := uuidField(raw, "transferId"); !ok {
		return Message{}, false
	}
	data, ok := objectField(raw, "data")
	if !ok {
		return Message{}, false
	}
	if _, ok := stringField(data, "type"); !ok {
		return Message{}, false
	}
	if _, ok := stringField(data, "sdp"); !ok {
		return Message{}, false
	}

	return Message{Kind: KindRTCDescription, TargetID: targetID, Fields: raw}, true
}

func classifyRTCCandidate(raw map[string]any) (Message, bool) {
	targetID, ok := uuidField(raw, "targetId")
	if !ok {
		return Message{}, false
	}
	if _, ok := uuidField(raw, "transferId"); !ok {
		return Message{}, false
	}
	if _, ok := objectField(raw, "data"); !ok {
		return Message{}, false
	}

	return Message{Kind: KindRTCCandidate, TargetID: targetID, Fields: raw}, true
}

func classifyEncrypted(raw map[string]any) (Message, bool) {
	targetID, ok := uuidField(raw, "targetId")
	if !ok {
		return Message{}, false
	}
	if _, ok := stringField(raw, "payload"); !ok {
		return Message{}, false
	}

	return Message{Kind: KindEncrypted, TargetID: targetID, Fields: raw}, true
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	// encoding/json decodes all JSON numbers into float64.
	n, ok := v.(float64)
	return n, ok
}

func objectField(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	o, ok := v.(map[string]any)
	return o, ok
}

func uuidField(m map[string]any, key string) (string, bool) {
	s, ok := stringField(m, key)
	if !ok {
		return "", false
	}
	if uuid.Validate(s) != nil {
		return "", false
	}
	return s, true
}

func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
