package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime/realtimetest"
)

func TestSend_EmitsWithClientKey(t *testing.T) {
	n := realtimetest.NewNetwork()
	e := n.Connect("patient-1")
	ch := NewChannel(e, "patient-1")

	msg, err := ch.Send("c1", "Hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !msg.Pending || msg.ClientKey == "" || msg.SenderID != "patient-1" || msg.ID != "" {
		t.Errorf("optimistic message = %+v", msg)
	}

	sent := e.Sent(protocol.TypeSendMessage)
	if len(sent) != 1 {
		t.Fatalf("sent %d send_message frames, want 1", len(sent))
	}
	var frame protocol.SendMessageMsg
	json.Unmarshal(sent[0].Data, &frame)
	if frame.ClientKey != msg.ClientKey || frame.Content != "Hello" || frame.ConversationID != "c1" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSend_Rejects(t *testing.T) {
	n := realtimetest.NewNetwork()
	e := n.Connect("patient-1")
	ch := NewChannel(e, "patient-1")

	for _, text := range []string{"", "   ", strings.Repeat("a", protocol.MaxMessageBytes+1)} {
		if _, err := ch.Send("c1", text); err == nil {
			t.Errorf("Send(%d bytes) succeeded", len(text))
		}
	}
	if got := len(e.Sent("")); got != 0 {
		t.Errorf("emitted %d frames for invalid input", got)
	}
}

func TestJoinAndLeave(t *testing.T) {
	n := realtimetest.NewNetwork()
	e := n.Connect("patient-1")
	ch := NewChannel(e, "patient-1")

	if err := ch.Join("c1"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := ch.Join(""); err == nil {
		t.Error("Join(\"\") succeeded")
	}
	if err := ch.Leave("c1"); err != nil {
		t.Errorf("Leave() error: %v", err)
	}
	if got := len(e.Sent(protocol.TypeJoinConversation)); got != 1 {
		t.Errorf("join frames = %d, want 1", got)
	}
	if got := len(e.Sent(protocol.TypeLeaveConversation)); got != 0 {
		t.Errorf("Leave emitted %d frames", got)
	}
}

func TestTimeline_OwnMessageReplacesPending(t *testing.T) {
	tl := NewTimeline("doctor-1")
	tl.Receive(protocol.ChatMessage{ID: "m0", SenderID: "patient-1", Content: "hi doctor"})

	n := realtimetest.NewNetwork()
	e := n.Connect("doctor-1")
	ch := NewChannel(e, "doctor-1")

	pending, _ := ch.Send("c1", "Hello")
	tl.AddPending(pending)
	tl.Receive(protocol.ChatMessage{ID: "m1", SenderID: "patient-1", Content: "are you there?"})

	got := tl.Receive(protocol.ChatMessage{ID: "m2", SenderID: "doctor-1", Content: "Hello", ClientKey: pending.ClientKey})
	if got != Replaced {
		t.Fatalf("Receive() = %v, want replaced", got)
	}

	msgs := tl.Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[1].ID != "m2" || msgs[1].Pending {
		t.Errorf("position 1 = %+v, want confirmed m2", msgs[1])
	}

	hellos := 0
	for _, m := range msgs {
		if m.Content == "Hello" {
			hellos++
		}
	}
	if hellos != 1 {
		t.Errorf("%d messages with text Hello, want 1", hellos)
	}

	if tl.Receive(protocol.ChatMessage{ID: "m2", SenderID: "doctor-1", Content: "Hello", ClientKey: pending.ClientKey}) != Duplicate {
		t.Error("redelivery was not dropped")
	}
	if tl.Len() != 3 {
		t.Errorf("len after redelivery = %d", tl.Len())
	}
}

func TestTimeline_IdenticalMessagesReconcileByKey(t *testing.T) {
	tl := NewTimeline("doctor-1")
	tl.AddPending(Message{ChatMessage: protocol.ChatMessage{SenderID: "doctor-1", Content: "ok", ClientKey: "k1"}})
	tl.AddPending(Message{ChatMessage: protocol.ChatMessage{SenderID: "doctor-1", Content: "ok", ClientKey: "k2"}})

	// The second send is confirmed first.
	tl.Receive(protocol.ChatMessage{ID: "m2", SenderID: "doctor-1", Content: "ok", ClientKey: "k2"})

	msgs := tl.Messages()
	if !msgs[0].Pending || msgs[0].ClientKey != "k1" {
		t.Errorf("first entry = %+v, want pending k1", msgs[0])
	}
	if msgs[1].ID != "m2" {
		t.Errorf("second entry = %+v, want m2", msgs[1])
	}

	tl.Receive(protocol.ChatMessage{ID: "m1", SenderID: "doctor-1", Content: "ok", ClientKey: "k1"})
	msgs = tl.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("timeline = %+v", msgs)
	}
}

func TestTimeline_ContentFallback(t *testing.T) {
	tl := NewTimeline("doctor-1")
	tl.AddPending(Message{ChatMessage: protocol.ChatMessage{SenderID: "doctor-1", Content: "Hello", ClientKey: "k1"}})

	// A gateway that does not echo client keys.
	if got := tl.Receive(protocol.ChatMessage{ID: "m1", SenderID: "doctor-1", Content: "Hello"}); got != Replaced {
		t.Errorf("Receive() = %v, want replaced", got)
	}
	// Someone else's identical text is never reconciled.
	tl.AddPending(Message{ChatMessage: protocol.ChatMessage{SenderID: "doctor-1", Content: "Hi", ClientKey: "k2"}})
	if got := tl.Receive(protocol.ChatMessage{ID: "m2", SenderID: "patient-1", Content: "Hi"}); got != Appended {
		t.Errorf("Receive(other sender) = %v, want appended", got)
	}
}

func TestTimeline_Prepend(t *testing.T) {
	tl := NewTimeline("doctor-1")
	tl.Receive(protocol.ChatMessage{ID: "m3", SenderID: "patient-1", Content: "three"})

	added := tl.Prepend([]protocol.ChatMessage{
		{ID: "m1", Content: "one"},
		{ID: "m2", Content: "two"},
		{ID: "m3", Content: "three"},
	})
	if added != 2 {
		t.Errorf("Prepend() = %d, want 2", added)
	}
	msgs := tl.Messages()
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Errorf("timeline = %+v", msgs)
	}

	tl.AddPending(Message{ChatMessage: protocol.ChatMessage{Content: "x", ClientKey: "k"}})
	if newest, _ := tl.Newest(); newest.ID != "m3" {
		t.Errorf("Newest() = %q, want m3", newest.ID)
	}
}

func TestEndToEnd_MessageDelivery(t *testing.T) {
	n := realtimetest.NewNetwork()
	doctor := n.Connect("doctor-1")
	patient := n.Connect("patient-1")

	doctorCh := NewChannel(doctor, "doctor-1")
	patientCh := NewChannel(patient, "patient-1")
	doctorCh.Join("c1")
	patientCh.Join("c1")

	var mu sync.Mutex
	var received []protocol.ChatMessage
	patientCh.OnMessage(func(m protocol.ChatMessage) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})

	doctorTL := NewTimeline("doctor-1")
	doctorCh.OnMessage(func(m protocol.ChatMessage) { doctorTL.Receive(m) })

	pending, err := doctorCh.Send("c1", "Hello")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	doctorTL.AddPending(pending)

	patient.Flush()
	doctor.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("patient received %d messages, want 1", len(received))
	}
	if received[0].Content != "Hello" || received[0].SenderID != "doctor-1" {
		t.Errorf("patient received %+v", received[0])
	}

	msgs := doctorTL.Messages()
	if len(msgs) != 1 || msgs[0].Pending || msgs[0].ID != received[0].ID {
		t.Errorf("doctor timeline = %+v", msgs)
	}
}

func TestOnMessage_DropsMalformed(t *testing.T) {
	n := realtimetest.NewNetwork()
	e := n.Connect("patient-1")
	ch := NewChannel(e, "patient-1")

	calls := 0
	sub := ch.OnMessage(func(protocol.ChatMessage) { calls++ })
	e.Deliver(protocol.TypeNewMessage, map[string]string{"message": "nope"})
	e.Flush()
	if calls != 0 {
		t.Errorf("handler called %d times for a malformed frame", calls)
	}

	sub.Unsubscribe()
	e.Deliver(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: protocol.ChatMessage{ID: "m1"}})
	e.Flush()
	if calls != 0 {
		t.Errorf("handler called after Unsubscribe")
	}
}

type countingMarker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *countingMarker) MarkRead(_ context.Context, conversationID, lastID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conversationID+"/"+lastID)
	return m.err
}

func TestReadReceipts_OncePerPage(t *testing.T) {
	marker := &countingMarker{}
	rr := NewReadReceipts(marker, "c1", "patient-1")
	ctx := context.Background()

	page := []protocol.ChatMessage{
		{ID: "m1", SenderID: "patient-1"},
		{ID: "m2", SenderID: "doctor-1"},
		{ID: "m3", SenderID: "doctor-1"},
	}

	if sent, err := rr.PageLoaded(ctx, page); !sent || err != nil {
		t.Fatalf("PageLoaded() = %v, %v", sent, err)
	}
	if sent, _ := rr.PageLoaded(ctx, page); sent {
		t.Error("same last id marked twice")
	}
	if len(marker.calls) != 1 || marker.calls[0] != "c1/m3" {
		t.Errorf("calls = %v", marker.calls)
	}
	if rr.LastMarked() != "m3" {
		t.Errorf("LastMarked() = %q", rr.LastMarked())
	}

	own := append(page, protocol.ChatMessage{ID: "m4", SenderID: "patient-1"})
	if sent, _ := rr.PageLoaded(ctx, own); sent {
		t.Error("marked read when the newest message is our own")
	}
	if sent, _ := rr.PageLoaded(ctx, nil); sent {
		t.Error("marked read for an empty page")
	}

	newer := append(page, protocol.ChatMessage{ID: "m5", SenderID: "doctor-1"})
	rr.PageLoaded(ctx, newer)
	if len(marker.calls) != 2 {
		t.Errorf("calls = %v, want a second request for m5", marker.calls)
	}
}

func TestReadReceipts_RetriesAfterFailure(t *testing.T) {
	marker := &countingMarker{err: errors.New("boom")}
	rr := NewReadReceipts(marker, "c1", "patient-1")
	page := []protocol.ChatMessage{{ID: "m1", SenderID: "doctor-1", CreatedAt: time.Now().UnixMilli()}}

	if _, err := rr.PageLoaded(context.Background(), page); err == nil {
		t.Fatal("PageLoaded() error = nil")
	}
	marker.err = nil
	if sent, err := rr.PageLoaded(context.Background(), page); !sent || err != nil {
		t.Errorf("retry = %v, %v", sent, err)
	}
}
