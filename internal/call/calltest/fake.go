// Package calltest provides in-memory peer connections and media sources for
// testing code built on package call.
package calltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/medilink/realtime/internal/call"
)

// errNoRemoteDescription mirrors pion rejecting candidates too early.
var errNoRemoteDescription = errors.New("calltest: remote description not set")

// Peer is a fake peer connection. When both descriptions are set it reports
// the transport as connected; setting the local description produces one
// host candidate.
type Peer struct {
	mu         sync.Mutex
	id         int
	tracks     []webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	rtcp       []rtcp.Packet
	offers     int
	answers    int
	closes     int
	connected  bool

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
}

var _ call.PeerConnection = (*Peer)(nil)

func (p *Peer) AddTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local != nil {
		return nil, fmt.Errorf("calltest: track added after negotiation started")
	}
	p.tracks = append(p.tracks, t)
	return nil, nil
}

func (p *Peer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", p.id, len(p.tracks))}, nil
}

func (p *Peer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d-%d", p.id, len(p.tracks))}, nil
}

func (p *Peer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	onICE := p.onICE
	p.mu.Unlock()

	if onICE != nil {
		go onICE(&webrtc.ICECandidate{
			Foundation: "1",
			Priority:   2130706431,
			Address:    "127.0.0.1",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       uint16(50000 + p.id),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	p.maybeConnect()
	return nil
}

func (p *Peer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && !p.connected && p.closes == 0
	if ready {
		p.connected = true
	}
	onState := p.onState
	p.mu.Unlock()

	if ready && onState != nil {
		go onState(webrtc.PeerConnectionStateConnected)
	}
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *Peer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *Peer) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcp = append(p.rtcp, pkts...)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// ReportState simulates a transport state change.
func (p *Peer) ReportState(st webrtc.PeerConnectionState) {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(st)
	}
}

// Closes returns how many times Close was called.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Offers returns how many offers were created.
func (p *Peer) Offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

// Answers returns how many answers were created.
func (p *Peer) Answers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

// Tracks returns how many local tracks were attached.
func (p *Peer) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

// Candidates returns the applied remote candidates.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// RTCP returns the RTCP packets written.
func (p *Peer) RTCP() []rtcp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]rtcp.Packet(nil), p.rtcp...)
}

// Descriptions returns the local and remote descriptions, nil when unset.
func (p *Peer) Descriptions() (local, remote *webrtc.SessionDescription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, p.remote
}

// Factory creates fake peers and remembers them.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer
	Err   error
}

var _ call.PeerFactory = (*Factory)(nil)

// NewPeerConnection implements call.PeerFactory.
func (f *Factory) NewPeerConnection() (call.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Peer{id: len(f.peers) + 1}
	f.peers = append(f.peers, p)
	return p, nil
}

// Peers returns every peer created so far.
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// OpenPeers counts peers that were never closed.
func (f *Factory) OpenPeers() int {
	n := 0
	for _, p := range f.Peers() {
		if p.Closes() == 0 {
			n++
		}
	}
	return n
}

// Source is a media source whose tracks are counted.
type Source struct {
	mu     sync.Mutex
	tracks []*call.MediaTrack
	stops  int
	Err    error
}

var _ call.MediaSource = (*Source)(nil)

// Open implements call.MediaSource with one video and one audio track.
func (s *Source) Open(ctx context.Context) ([]*call.MediaTrack, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		return nil, err
	}

	onStop := func() {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
	}
	tracks := []*call.MediaTrack{
		call.NewMediaTrack(webrtc.RTPCodecTypeVideo, video, onStop),
		call.NewMediaTrack(webrtc.RTPCodecTypeAudio, audio, onStop),
	}

	s.mu.Lock()
	s.tracks = append(s.tracks, tracks...)
	s.mu.Unlock()
	return tracks, nil
}

// ActiveTracks counts opened tracks that were not stopped.
func (s *Source) ActiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// Stops returns how many tracks were stopped.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
