package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime/realtimetest"
)

func TestRelay_RoundTrip(t *testing.T) {
	n := realtimetest.NewNetwork()
	a := n.Connect("doctor-1")
	b := n.Connect("patient-1")
	relayA, relayB := NewRelay(a), NewRelay(b)

	var gotOffer, gotAnswer webrtc.SessionDescription
	var offerFrom, answerFrom, candFrom string
	var gotCand webrtc.ICECandidateInit

	relayB.OnOffer(func(from, roomID string, d webrtc.SessionDescription) {
		offerFrom, gotOffer = from, d
		if roomID != "r1" {
			t.Errorf("offer room = %q", roomID)
		}
	})
	relayB.OnCandidate(func(from, _ string, c webrtc.ICECandidateInit) { candFrom, gotCand = from, c })
	relayA.OnAnswer(func(from, _ string, d webrtc.SessionDescription) { answerFrom, gotAnswer = from, d })

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	if err := relayA.SendOffer(b.ConnectionID(), "r1", offer); err != nil {
		t.Fatalf("SendOffer() error: %v", err)
	}
	mid := "0"
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host", SDPMid: &mid}
	if err := relayA.SendCandidate(b.ConnectionID(), "r1", cand); err != nil {
		t.Fatalf("SendCandidate() error: %v", err)
	}
	b.Flush()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := relayB.SendAnswer(offerFrom, "r1", answer); err != nil {
		t.Fatalf("SendAnswer() error: %v", err)
	}
	a.Flush()

	if offerFrom != a.ConnectionID() || gotOffer.SDP != offer.SDP {
		t.Errorf("offer from %q = %+v", offerFrom, gotOffer)
	}
	if candFrom != a.ConnectionID() || gotCand.Candidate != cand.Candidate || gotCand.SDPMid == nil || *gotCand.SDPMid != "0" {
		t.Errorf("candidate from %q = %+v", candFrom, gotCand)
	}
	if answerFrom != b.ConnectionID() || gotAnswer.SDP != answer.SDP {
		t.Errorf("answer from %q = %+v", answerFrom, gotAnswer)
	}

	var wire protocol.SignalMsg
	json.Unmarshal(a.Sent(protocol.TypeOffer)[0].Data, &wire)
	if wire.To != b.ConnectionID() || wire.From != "" {
		t.Errorf("outbound offer addressing = to %q from %q", wire.To, wire.From)
	}
}

func TestRelay_RequiresDestination(t *testing.T) {
	n := realtimetest.NewNetwork()
	r := NewRelay(n.Connect("doctor-1"))

	if err := r.SendOffer("", "r1", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}); !errors.Is(err, ErrNoDestination) {
		t.Errorf("SendOffer() error = %v", err)
	}
	if err := r.SendCandidate("", "r1", webrtc.ICECandidateInit{Candidate: "c"}); !errors.Is(err, ErrNoDestination) {
		t.Errorf("SendCandidate() error = %v", err)
	}
}

func TestRelay_DropsMalformed(t *testing.T) {
	n := realtimetest.NewNetwork()
	e := n.Connect("patient-1")
	r := NewRelay(e)

	calls := 0
	r.OnOffer(func(string, string, webrtc.SessionDescription) { calls++ })
	r.OnAnswer(func(string, string, webrtc.SessionDescription) { calls++ })
	r.OnCandidate(func(string, string, webrtc.ICECandidateInit) { calls++ })

	tests := []struct {
		name  string
		event string
		msg   interface{}
	}{
		{"offer without source", protocol.TypeOffer, protocol.SignalMsg{Description: json.RawMessage(`{"type":"offer","sdp":"x"}`)}},
		{"offer without description", protocol.TypeOffer, protocol.SignalMsg{From: "c9"}},
		{"offer with garbage description", protocol.TypeOffer, protocol.SignalMsg{From: "c9", Description: json.RawMessage(`"nope"`)}},
		{"answer carrying an offer", protocol.TypeAnswer, protocol.SignalMsg{From: "c9", Description: json.RawMessage(`{"type":"offer","sdp":"x"}`)}},
		{"candidate without payload", protocol.TypeICECandidate, protocol.SignalMsg{From: "c9"}},
		{"candidate with empty string", protocol.TypeICECandidate, protocol.SignalMsg{From: "c9", Candidate: json.RawMessage(`{"candidate":""}`)}},
	}
	for _, tt := range tests {
		e.Deliver(tt.event, tt.msg)
	}
	e.Flush()

	if calls != 0 {
		t.Errorf("handlers called %d times for malformed payloads", calls)
	}
}
