// Package signaling relays WebRTC negotiation payloads between two
// connections through the gateway. Peers are addressed by connection id;
// the relay does not order, retry or interpret what it carries.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime"
)

// ErrNoDestination is returned when a send names no connection.
var ErrNoDestination = errors.New("signaling: destination connection id is required")

// Relay sends and receives offers, answers and ICE candidates.
type Relay struct {
	conn realtime.Conn
}

// NewRelay creates a Relay on conn.
func NewRelay(conn realtime.Conn) *Relay {
	return &Relay{conn: conn}
}

// SendOffer sends an offer to the connection to.
func (r *Relay) SendOffer(to, roomID string, desc webrtc.SessionDescription) error {
	return r.sendDescription(protocol.TypeOffer, to, roomID, desc)
}

// SendAnswer sends an answer to the connection to.
func (r *Relay) SendAnswer(to, roomID string, desc webrtc.SessionDescription) error {
	return r.sendDescription(protocol.TypeAnswer, to, roomID, desc)
}

func (r *Relay) sendDescription(kind, to, roomID string, desc webrtc.SessionDescription) error {
	if to == "" {
		return ErrNoDestination
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("signaling: encode %s: %w", kind, err)
	}
	return r.conn.Emit(kind, protocol.SignalMsg{To: to, RoomID: roomID, Description: raw})
}

// SendCandidate sends a local ICE candidate to the connection to.
func (r *Relay) SendCandidate(to, roomID string, candidate webrtc.ICECandidateInit) error {
	if to == "" {
		return ErrNoDestination
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("signaling: encode candidate: %w", err)
	}
	return r.conn.Emit(protocol.TypeICECandidate, protocol.SignalMsg{To: to, RoomID: roomID, Candidate: raw})
}

// OnOffer calls fn for each well-formed inbound offer.
func (r *Relay) OnOffer(fn func(from, roomID string, desc webrtc.SessionDescription)) realtime.Subscription {
	return r.onDescription(protocol.TypeOffer, webrtc.SDPTypeOffer, fn)
}

// OnAnswer calls fn for each well-formed inbound answer.
func (r *Relay) OnAnswer(fn func(from, roomID string, desc webrtc.SessionDescription)) realtime.Subscription {
	return r.onDescription(protocol.TypeAnswer, webrtc.SDPTypeAnswer, fn)
}

func (r *Relay) onDescription(kind string, want webrtc.SDPType, fn func(string, string, webrtc.SessionDescription)) realtime.Subscription {
	return r.conn.On(kind, func(raw json.RawMessage) {
		msg, ok := decodeSignal(kind, raw)
		if !ok {
			return
		}
		var desc webrtc.SessionDescription
		if len(msg.Description) == 0 || json.Unmarshal(msg.Description, &desc) != nil || desc.SDP == "" {
			log.Printf("[signaling] dropping %s from %s: bad description", kind, msg.From)
			return
		}
		if desc.Type != want {
			log.Printf("[signaling] dropping %s from %s: description type %s", kind, msg.From, desc.Type)
			return
		}
		fn(msg.From, msg.RoomID, desc)
	})
}

// OnCandidate calls fn for each well-formed inbound ICE candidate.
func (r *Relay) OnCandidate(fn func(from, roomID string, candidate webrtc.ICECandidateInit)) realtime.Subscription {
	return r.conn.On(protocol.TypeICECandidate, func(raw json.RawMessage) {
		msg, ok := decodeSignal(protocol.TypeICECandidate, raw)
		if !ok {
			return
		}
		var c webrtc.ICECandidateInit
		if len(msg.Candidate) == 0 || json.Unmarshal(msg.Candidate, &c) != nil || c.Candidate == "" {
			log.Printf("[signaling] dropping candidate from %s: bad payload", msg.From)
			return
		}
		fn(msg.From, msg.RoomID, c)
	})
}

func decodeSignal(kind string, raw json.RawMessage) (protocol.SignalMsg, bool) {
	var msg protocol.SignalMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[signaling] dropping malformed %s: %v", kind, err)
		return msg, false
	}
	if msg.From == "" {
		log.Printf("[signaling] dropping %s without a source connection", kind)
		return msg, false
	}
	return msg, true
}
