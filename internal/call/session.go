// Package call runs one WebRTC peer connection per call on top of pion. A
// Session negotiates through a Signaler, owns the local capture tracks and
// tears everything down exactly once.
package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("call: session closed")

	// ErrInvalidState is returned when a step does not fit the negotiation
	// state, e.g. an answer while not offering.
	ErrInvalidState = errors.New("call: invalid state for operation")
)

// State is the negotiation state of a Session.
type State int

const (
	Idle State = iota
	Ready
	Offering
	Offered
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Offering:
		return "offering"
	case Offered:
		return "offered"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Signaler delivers negotiation payloads to the remote connection.
// *signaling.Relay implements it.
type Signaler interface {
	SendOffer(to, roomID string, desc webrtc.SessionDescription) error
	SendAnswer(to, roomID string, desc webrtc.SessionDescription) error
	SendCandidate(to, roomID string, candidate webrtc.ICECandidateInit) error
}

// Events are the owner's callbacks. All are optional. They may run on pion's
// goroutines and must not block.
type Events struct {
	OnStateChange  func(State)
	OnMediaUp      func()
	OnRemoteStream func(streamID string)
	// OnRemoteTrack receives each track of the first remote stream and must
	// keep reading it. Without it the session drains the track itself.
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnClosed      func(reason string)
}

// Config configures a Session.
type Config struct {
	RoomID   string
	Factory  PeerFactory
	Source   MediaSource
	Signaler Signaler
	Events   Events
}

// Session is one call attempt. Closed is terminal; a new call needs a new
// Session.
type Session struct {
	roomID string
	sig    Signaler
	events Events
	pc     PeerConnection
	tracks []*MediaTrack

	mu            sync.Mutex
	state         State
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit

	remote       atomic.Value // string
	mediaUp      atomic.Bool
	streamOnce   sync.Once
	remoteStream atomic.Value // string
	closeOnce    sync.Once
}

// NewSession opens local media, creates the peer connection and attaches
// every local track to it. Failure to open media returns an error wrapping
// ErrMediaUnavailable.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	tracks, err := cfg.Source.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrMediaUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	pc, err := cfg.Factory.NewPeerConnection()
	if err != nil {
		stopTracks(tracks)
		return nil, err
	}

	s := &Session{
		roomID: cfg.RoomID,
		sig:    cfg.Signaler,
		events: cfg.Events,
		pc:     pc,
		tracks: tracks,
	}
	s.remote.Store("")
	s.remoteStream.Store("")

	for _, t := range tracks {
		if _, err := pc.AddTrack(t.Local()); err != nil {
			stopTracks(tracks)
			pc.Close()
			return nil, fmt.Errorf("call: add %s track: %w", t.Kind(), err)
		}
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track.StreamID(), track.Kind(), uint32(track.SSRC()), track)
	})

	log.Printf("[call] session for room %s ready with %d local tracks", s.roomID, len(tracks))
	return s, nil
}

// RoomID returns the call room the session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// RemoteID returns the remote connection id, or "" before it is known.
func (s *Session) RemoteID() string { return s.remote.Load().(string) }

// RemoteStreamID returns the id of the surfaced remote stream.
func (s *Session) RemoteStreamID() string { return s.remoteStream.Load().(string) }

// MediaUp reports whether the transport reached connected.
func (s *Session) MediaUp() bool { return s.mediaUp.Load() }

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tracks returns the local tracks.
func (s *Session) Tracks() []*MediaTrack { return s.tracks }

// SetRemote records the remote connection while waiting for its offer.
func (s *Session) SetRemote(connID string) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case Idle:
		s.remote.Store(connID)
		s.state = Ready
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: set remote in %s", ErrInvalidState, s.state)
	}
	s.mu.Unlock()

	s.notifyState(Ready)
	return nil
}

// Offer starts negotiation towards remoteID.
func (s *Session) Offer(remoteID string) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Idle && s.state != Ready {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: offer in %s", ErrInvalidState, st)
	}
	s.remote.Store(remoteID)
	s.state = Offering

	err := s.sendOfferLocked(remoteID)
	if err == nil {
		s.state = Offered
	}
	s.mu.Unlock()

	if err != nil {
		s.Close("offer failed: " + err.Error())
		return err
	}
	s.notifyState(Offered)
	return nil
}

func (s *Session) sendOfferLocked(to string) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("call: set local offer: %w", err)
	}
	if err := s.sig.SendOffer(to, s.roomID, offer); err != nil {
		return fmt.Errorf("call: send offer: %w", err)
	}
	return nil
}

// HandleOffer answers an offer from the connection from. It is valid in Idle
// and Ready; the answer is sent exactly once.
func (s *Session) HandleOffer(from string, offer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Idle && s.state != Ready {
		st := s.state
		s.mu.Unlock()
		log.Printf("[call] room %s: ignoring offer from %s in %s", s.roomID, from, st)
		return fmt.Errorf("%w: offer received in %s", ErrInvalidState, st)
	}
	s.remote.Store(from)

	err := s.answerLocked(from, offer)
	if err == nil {
		s.state = Connected
	}
	s.mu.Unlock()

	if err != nil {
		s.Close("answer failed: " + err.Error())
		return err
	}
	s.notifyState(Connected)
	return nil
}

func (s *Session) answerLocked(to string, offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("call: set remote offer: %w", err)
	}
	s.remoteSet = true
	s.flushCandidatesLocked()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("call: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("call: set local answer: %w", err)
	}
	if err := s.sig.SendAnswer(to, s.roomID, answer); err != nil {
		return fmt.Errorf("call: send answer: %w", err)
	}
	return nil
}

// HandleAnswer completes an offer this side sent.
func (s *Session) HandleAnswer(from string, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != Offered || from != s.RemoteID() {
		st := s.state
		s.mu.Unlock()
		log.Printf("[call] room %s: ignoring answer from %s in %s", s.roomID, from, st)
		return fmt.Errorf("%w: answer received in %s", ErrInvalidState, st)
	}

	err := s.pc.SetRemoteDescription(answer)
	if err == nil {
		s.remoteSet = true
		s.flushCandidatesLocked()
		s.state = Connected
	}
	s.mu.Unlock()

	if err != nil {
		s.Close("set remote answer failed: " + err.Error())
		return fmt.Errorf("call: set remote answer: %w", err)
	}
	s.notifyState(Connected)
	return nil
}

// AddCandidate applies a remote ICE candidate. Candidates that arrive before
// the remote description are held and applied once it is set.
func (s *Session) AddCandidate(from string, c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return ErrSessionClosed
	}
	if remote := s.RemoteID(); remote != "" && from != remote {
		log.Printf("[call] room %s: ignoring candidate from %s (remote is %s)", s.roomID, from, remote)
		return nil
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, c)
		return nil
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Printf("[call] room %s: add candidate: %v", s.roomID, err)
		return fmt.Errorf("call: add candidate: %w", err)
	}
	return nil
}

// PendingCandidates returns how many remote candidates are waiting for the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingRemote)
}

func (s *Session) flushCandidatesLocked() {
	for _, c := range s.pendingRemote {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Printf("[call] room %s: add buffered candidate: %v", s.roomID, err)
		}
	}
	s.pendingRemote = nil
}

// SetAudioEnabled mutes or unmutes local audio.
func (s *Session) SetAudioEnabled(on bool) { s.setKindEnabled(webrtc.RTPCodecTypeAudio, on) }

// SetVideoEnabled turns local video on or off.
func (s *Session) SetVideoEnabled(on bool) { s.setKindEnabled(webrtc.RTPCodecTypeVideo, on) }

// AudioEnabled reports whether any local audio track is enabled.
func (s *Session) AudioEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeAudio) }

// VideoEnabled reports whether any local video track is enabled.
func (s *Session) VideoEnabled() bool { return s.kindEnabled(webrtc.RTPCodecTypeVideo) }

func (s *Session) setKindEnabled(kind webrtc.RTPCodecType, on bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind && !t.Stopped() {
			t.SetEnabled(on)
		}
	}
}

func (s *Session) kindEnabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.tracks {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}

// RemoteLeft closes the session when connID is the remote peer.
func (s *Session) RemoteLeft(connID string) {
	if connID != "" && connID == s.RemoteID() {
		s.Close("remote peer left")
	}
}

// Close stops every local track, closes the peer connection and reports
// OnClosed. Only the first call does anything.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.pendingRemote = nil
		s.mu.Unlock()

		stopTracks(s.tracks)
		if err := s.pc.Close(); err != nil {
			log.Printf("[call] room %s: close peer connection: %v", s.roomID, err)
		}
		log.Printf("[call] room %s: session closed (%s)", s.roomID, reason)

		s.notifyState(Closed)
		if s.events.OnClosed != nil {
			s.events.OnClosed(reason)
		}
	})
}

func (s *Session) notifyState(st State) {
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(st)
	}
}

func (s *Session) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	to := s.RemoteID()
	if to == "" {
		log.Printf("[call] room %s: dropping local candidate, remote unknown", s.roomID)
		return
	}
	if err := s.sig.SendCandidate(to, s.roomID, c.ToJSON()); err != nil {
		log.Printf("[call] room %s: send candidate: %v", s.roomID, err)
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	log.Printf("[call] room %s: transport %s", s.roomID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.mediaUp.CompareAndSwap(false, true) && s.events.OnMediaUp != nil {
			s.events.OnMediaUp()
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// pion reports from its own goroutine; closing inline would wait on it.
		go s.Close("transport " + state.String())
	}
}

// handleRemoteTrack surfaces the first remote stream. track may be nil when
// nothing needs to be read.
func (s *Session) handleRemoteTrack(streamID string, kind webrtc.RTPCodecType, ssrc uint32, track *webrtc.TrackRemote) {
	s.streamOnce.Do(func() {
		s.remoteStream.Store(streamID)
		if s.events.OnRemoteStream != nil {
			s.events.OnRemoteStream(streamID)
		}
	})
	if streamID != s.RemoteStreamID() {
		log.Printf("[call] room %s: ignoring track of extra stream %s", s.roomID, streamID)
		return
	}

	if kind == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so the first frames decode.
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			log.Printf("[call] room %s: keyframe request: %v", s.roomID, err)
		}
	}

	if track == nil {
		return
	}
	if s.events.OnRemoteTrack != nil {
		s.events.OnRemoteTrack(track)
		return
	}
	go drain(track)
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[call] remote %s track ended: %v", track.Kind(), err)
			}
			return
		}
	}
}

func stopTracks(tracks []*MediaTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
