package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/junsooki/AirVNC/internal/transport"
)

const iceGatherTimeout = 10 * time.Second

// ErrClosed is returned for offers that arrive after Close.
var ErrClosed = errors.New("peer: acceptor closed")

// Acceptor answers viewer offers and adopts their RFB data channels.
type Acceptor struct {
	iceServers []webrtc.ICEServer
	adopter    transport.Adopter
	logger     *slog.Logger

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool
}

// NewAcceptor returns an acceptor that hands data channel connections to
// adopter. A nil iceServers uses ICEServers.
func NewAcceptor(iceServers []webrtc.ICEServer, adopter transport.Adopter, logger *slog.Logger) *Acceptor {
	if iceServers == nil {
		iceServers = ICEServers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		iceServers: iceServers,
		adopter:    adopter,
		logger:     logger,
		peers:      make(map[string]*webrtc.PeerConnection),
	}
}

// Answer answers offer with every ICE candidate embedded in the returned
// description, for signaling paths without trickle ICE.
func (a *Acceptor) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	id := uuid.NewString()
	pc, err := a.newPeer(id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := a.negotiate(pc, offer); err != nil {
		a.drop(id, pc)
		return webrtc.SessionDescription{}, err
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		a.drop(id, pc)
		return webrtc.SessionDescription{}, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		a.drop(id, pc)
		return webrtc.SessionDescription{}, ctx.Err()
	}

	a.logger.Info("webrtc viewer answered", "peer", id)
	return *pc.LocalDescription(), nil
}

// HandleOffer answers an offer from peerID whose candidates are exchanged
// separately. Local candidates are passed to onCandidate as they are
// gathered. A new offer from the same peer replaces its previous session.
func (a *Acceptor) HandleOffer(peerID string, offer webrtc.SessionDescription, onCandidate func(webrtc.ICECandidateInit)) (webrtc.SessionDescription, error) {
	a.mu.Lock()
	previous := a.peers[peerID]
	a.mu.Unlock()
	if previous != nil {
		a.drop(peerID, previous)
	}

	pc, err := a.newPeer(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || onCandidate == nil {
			return
		}
		onCandidate(c.ToJSON())
	})

	if err := a.negotiate(pc, offer); err != nil {
		a.drop(peerID, pc)
		return webrtc.SessionDescription{}, err
	}
	a.logger.Info("webrtc viewer answered", "peer", peerID)
	return *pc.LocalDescription(), nil
}

// AddICECandidate adds a remote candidate for peerID.
func (a *Acceptor) AddICECandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	a.mu.Lock()
	pc := a.peers[peerID]
	a.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no session for peer %q", peerID)
	}
	return pc.AddICECandidate(candidate)
}

// PeerCount returns the number of live peer connections.
func (a *Acceptor) PeerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

// Close shuts down every peer connection and rejects later offers.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	a.closed = true
	peers := a.peers
	a.peers = make(map[string]*webrtc.PeerConnection)
	a.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Acceptor) newPeer(id string) (*webrtc.PeerConnection, error) {
	pc, err := NewPeerConnection(a.iceServers)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		a.handleDataChannel(dc, id)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.logger.Debug("peer connection state", "peer", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.drop(id, pc)
		}
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = pc.Close()
		return nil, ErrClosed
	}
	a.peers[id] = pc
	return pc, nil
}

func (a *Acceptor) negotiate(pc *webrtc.PeerConnection, offer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

// drop forgets pc if it is still the session for id and closes it.
func (a *Acceptor) drop(id string, pc *webrtc.PeerConnection) {
	a.mu.Lock()
	if a.peers[id] == pc {
		delete(a.peers, id)
	}
	a.mu.Unlock()
	go pc.Close()
}

func (a *Acceptor) handleDataChannel(dc *webrtc.DataChannel, peerID string) {
	if dc.Label() != DataChannelLabel {
		a.logger.Warn("ignoring data channel", "peer", peerID, "label", dc.Label())
		dc.OnOpen(func() { _ = dc.Close() })
		return
	}
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			a.logger.Error("detach data channel", "peer", peerID, "error", err)
			return
		}
		a.adopter.Adopt(transport.NewDataChannelConn(raw, "airvnc/"+DataChannelLabel, peerID+"/"+DataChannelLabel))
	})
}
