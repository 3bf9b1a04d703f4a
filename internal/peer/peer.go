// Package peer accepts viewers over WebRTC: each viewer opens an "rfb"
// data channel which is detached and adopted as a plain net.Conn.
package peer

import (
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label viewers give the RFB data channel.
const DataChannelLabel = "rfb"

// ICEServers is the default ICE server configuration.
var ICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// NewPeerConnection creates a PeerConnection whose data channels can be
// detached into byte streams.
func NewPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}
