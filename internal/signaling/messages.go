// Package signaling connects the server to a WebSocket signaling relay so
// viewers that cannot reach the HTTP endpoint can still negotiate WebRTC
// sessions. The server registers as a host and answers relayed offers.
package signaling

import "encoding/json"

// Message types for signaling protocol.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// ClientTypeHost is the role the server registers with.
const ClientTypeHost = "host"

// Message is the envelope for all signaling messages.
type Message struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	ClientType string          `json:"clientType,omitempty"`
	From       string          `json:"from,omitempty"`
	Target     string          `json:"target,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Msg        string          `json:"message,omitempty"`
}
