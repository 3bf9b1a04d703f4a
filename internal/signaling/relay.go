package signaling

import (
	"encoding/json"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Answerer answers WebRTC offers. peer.Acceptor implements it.
type Answerer interface {
	HandleOffer(peerID string, offer webrtc.SessionDescription, onCandidate func(webrtc.ICECandidateInit)) (webrtc.SessionDescription, error)
	AddICECandidate(peerID string, candidate webrtc.ICECandidateInit) error
}

// NewRelayClient returns a client that answers every relayed offer with
// answerer and trickles candidates in both directions.
func NewRelayClient(url, hostID string, answerer Answerer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var c *Client
	c = NewClient(url, hostID, Handler{
		OnOffer: func(from string, payload json.RawMessage) {
			var offer webrtc.SessionDescription
			if err := json.Unmarshal(payload, &offer); err != nil {
				logger.Warn("malformed relayed offer", "peer", from, "error", err)
				return
			}
			answer, err := answerer.HandleOffer(from, offer, func(candidate webrtc.ICECandidateInit) {
				data, err := json.Marshal(candidate)
				if err != nil {
					return
				}
				if err := c.SendICECandidate(from, data); err != nil {
					logger.Debug("send ICE candidate", "peer", from, "error", err)
				}
			})
			if err != nil {
				logger.Warn("answer relayed offer", "peer", from, "error", err)
				return
			}
			data, err := json.Marshal(answer)
			if err != nil {
				logger.Warn("marshal answer", "peer", from, "error", err)
				return
			}
			if err := c.SendAnswer(from, data); err != nil {
				logger.Warn("send answer", "peer", from, "error", err)
			}
		},
		OnICECandidate: func(from string, payload json.RawMessage) {
			var candidate webrtc.ICECandidateInit
			if err := json.Unmarshal(payload, &candidate); err != nil {
				logger.Warn("malformed relayed candidate", "peer", from, "error", err)
				return
			}
			if err := answerer.AddICECandidate(from, candidate); err != nil {
				logger.Debug("add ICE candidate", "peer", from, "error", err)
			}
		},
	}, logger)
	return c
}
