package protocol

// ClientView is the public shape of a peer in a network broadcast.
type ClientView struct {
	ClientID    string `json:"clientId"`
	ClientColor string `json:"clientColor"`
	ClientName  string `json:"clientName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

// WelcomeMessage is sent exactly once, immediately upon registration.
//
// RTCConfiguration is opaque to the relay core; it is embedded verbatim as
// produced by the ICE configuration builder.
type WelcomeMessage struct {
	Type             Kind    `json:"type"`
	ClientID         string  `json:"clientId"`
	ClientColor      string  `json:"clientColor"`
	SuggestedName    *string `json:"suggestedName"`
	RTCConfiguration any     `json:"rtcConfiguration,omitempty"`
	MaxSize          int64   `json:"maxSize,omitempty"`
	NoticeText       string  `json:"noticeText,omitempty"`
	NoticeURL        string  `json:"noticeUrl,omitempty"`
}

// NetworkMessage is a full membership snapshot for one rendezvous group.
type NetworkMessage struct {
	Type    Kind         `json:"type"`
	Clients []ClientView `json:"clients"`
}

// PingMessage is the liveness probe. Timestamp is Unix milliseconds.
type PingMessage struct {
	Type      Kind  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}
