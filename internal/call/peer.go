package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// ICE timeouts of the pion setting engine.
const (
	ICEDisconnectedTimeout = 10 * time.Second
	ICEFailedTimeout       = 30 * time.Second
	ICEKeepAliveInterval   = 2 * time.Second
)

// PionFactory builds pion peer connections sharing one API instance.
type PionFactory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewPionFactory creates a factory with the default codecs (VP8, Opus, ...)
// and interceptors (NACK, RTCP reports, TWCC). Each STUN url becomes its own
// ICE server entry.
func NewPionFactory(stunServers []string) (*PionFactory, error) {
	if len(stunServers) == 0 {
		return nil, fmt.Errorf("call: at least one STUN server is required")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("call: register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("call: register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(ICEDisconnectedTimeout, ICEFailedTimeout, ICEKeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return &PionFactory{api: api, iceServers: servers}, nil
}

// NewPeerConnection implements PeerFactory.
func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	return pc, nil
}

// ICEServers returns the configured ICE servers.
func (f *PionFactory) ICEServers() []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), f.iceServers...)
}
