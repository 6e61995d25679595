package consultation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medilink/realtime/internal/call"
	"github.com/medilink/realtime/internal/call/calltest"
	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime/realtimetest"
	"github.com/medilink/realtime/internal/restclient"
	"github.com/medilink/realtime/internal/usersession"
)

// fakeAPI serves history from memory and creates rooms on the network.
type fakeAPI struct {
	net *realtimetest.Network

	mu       sync.Mutex
	history  []protocol.ChatMessage // oldest first
	marks    []string
	listings int
}

func (a *fakeAPI) ListMessages(_ context.Context, _ string, page, limit int) (*restclient.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listings++
	end := len(a.history) - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return &restclient.MessagePage{
		Messages: append([]protocol.ChatMessage(nil), a.history[start:end]...),
		Total:    len(a.history),
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, conversationID, lastID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks = append(a.marks, lastID)
	return nil
}

func (a *fakeAPI) CreateCallRoom(_ context.Context, appointmentID string) (*restclient.CallRoom, error) {
	return &restclient.CallRoom{ID: a.net.CreateRoom(appointmentID), AppointmentID: appointmentID}, nil
}

func (a *fakeAPI) markCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.marks)
}

type party struct {
	endpoint *realtimetest.Endpoint
	view     *View
	factory  *calltest.Factory
	source   *calltest.Source

	mu      sync.Mutex
	notices []Notice
	ended   []string
}

func (p *party) noticeCount(level Level) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, no := range p.notices {
		if no.Level == level {
			n++
		}
	}
	return n
}

func newParty(t *testing.T, n *realtimetest.Network, api *fakeAPI, user usersession.User) *party {
	t.Helper()
	factory := &calltest.Factory{}
	return newPartyWith(t, n, api, user, factory, factory)
}

// newPartyWith builds a party whose view creates peers through peers, while
// factory is the one whose peers the test inspects.
func newPartyWith(t *testing.T, n *realtimetest.Network, api *fakeAPI, user usersession.User, factory *calltest.Factory, peers call.PeerFactory) *party {
	t.Helper()
	p := &party{
		endpoint: n.Connect(user.ID),
		factory:  factory,
		source:   &calltest.Source{},
	}
	p.view = New(Config{
		ConversationID: "c1",
		Self:           user,
		Conn:           p.endpoint,
		API:            api,
		Factory:        peers,
		Source:         p.source,
		PageSize:       2,
		Notify: func(no Notice) {
			p.mu.Lock()
			p.notices = append(p.notices, no)
			p.mu.Unlock()
		},
		OnCallEnded: func(reason string) {
			p.mu.Lock()
			p.ended = append(p.ended, reason)
			p.mu.Unlock()
		},
	})
	if err := p.view.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return p
}

var (
	doctor  = usersession.User{ID: "doctor-1", Name: "Dr. Grey", Role: "doctor"}
	patient = usersession.User{ID: "patient-1", Name: "Pat", Role: "patient"}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpen_LoadsHistoryAndMarksRead(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	for i := 1; i <= 5; i++ {
		sender := "doctor-1"
		if i%2 == 0 {
			sender = "patient-1"
		}
		api.history = append(api.history, protocol.ChatMessage{ID: fmt.Sprintf("m%d", i), SenderID: sender, Content: fmt.Sprintf("msg %d", i)})
	}

	p := newParty(t, n, api, patient)
	defer p.view.Close()

	msgs := p.view.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m4" || msgs[1].ID != "m5" {
		t.Fatalf("first page = %+v", msgs)
	}
	if api.markCount() != 1 || api.marks[0] != "m5" {
		t.Errorf("marks = %v, want [m5]", api.marks)
	}
	if len(p.endpoint.Sent(protocol.TypeJoinConversation)) != 1 {
		t.Error("conversation not joined")
	}

	if added, err := p.view.LoadPage(context.Background()); err != nil || added != 2 {
		t.Fatalf("LoadPage() = %d, %v", added, err)
	}
	if added, _ := p.view.LoadPage(context.Background()); added != 1 {
		t.Errorf("last page added %d, want 1", added)
	}
	if p.view.HasMore() {
		t.Error("HasMore() = true after the last page")
	}
	msgs = p.view.Messages()
	if len(msgs) != 5 || msgs[0].ID != "m1" {
		t.Errorf("timeline = %+v", msgs)
	}
}

func TestOpen_NoReceiptForOwnNewest(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n, history: []protocol.ChatMessage{{ID: "m1", SenderID: "patient-1", Content: "hi"}}}

	p := newParty(t, n, api, patient)
	defer p.view.Close()
	if api.markCount() != 0 {
		t.Errorf("marks = %v for our own newest message", api.marks)
	}
}

func TestSend_ReconcilesAcrossParticipants(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()
	defer b.view.Close()

	if _, err := a.view.Send("Hello"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	a.endpoint.Flush()
	b.endpoint.Flush()

	for name, p := range map[string]*party{"doctor": a, "patient": b} {
		msgs := p.view.Messages()
		if len(msgs) != 1 {
			t.Fatalf("%s timeline = %+v", name, msgs)
		}
		if msgs[0].Content != "Hello" || msgs[0].SenderID != "doctor-1" || msgs[0].Pending {
			t.Errorf("%s message = %+v", name, msgs[0])
		}
	}

	if _, err := a.view.Send(" "); err == nil {
		t.Error("blank message sent")
	}
	if a.noticeCount(Error) != 1 {
		t.Errorf("error notices = %d, want 1", a.noticeCount(Error))
	}
}

func TestCall_BothSidesConnect(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()
	defer b.view.Close()

	roomA, err := a.view.StartCall(context.Background(), "apt1")
	if err != nil {
		t.Fatalf("doctor StartCall() error: %v", err)
	}
	a.endpoint.Flush()
	if a.view.Session() != nil {
		t.Fatal("session created before anyone else joined")
	}

	roomB, err := b.view.StartCall(context.Background(), "apt1")
	if err != nil {
		t.Fatalf("patient StartCall() error: %v", err)
	}
	if roomA == "" || roomA != roomB {
		t.Fatalf("rooms %q and %q", roomA, roomB)
	}

	waitFor(t, "both sessions connected", func() bool {
		sa, sb := a.view.Session(), b.view.Session()
		return sa != nil && sb != nil &&
			sa.State() == call.Connected && sb.State() == call.Connected &&
			sa.MediaUp() && sb.MediaUp()
	})

	if got := len(b.endpoint.Sent(protocol.TypeOffer)); got != 1 {
		t.Errorf("patient sent %d offers, want 1", got)
	}
	if got := len(a.endpoint.Sent(protocol.TypeAnswer)); got != 1 {
		t.Errorf("doctor sent %d answers, want 1", got)
	}
	if len(a.endpoint.Sent(protocol.TypeOffer)) != 0 {
		t.Error("doctor also offered")
	}
	if a.view.Session().RemoteID() != b.endpoint.ConnectionID() || b.view.Session().RemoteID() != a.endpoint.ConnectionID() {
		t.Error("sessions are not addressed at each other")
	}

	// Hanging up on one side ends the call on the other.
	a.view.EndCall()
	waitFor(t, "patient session to close", func() bool { return b.view.Session() == nil })

	for name, p := range map[string]*party{"doctor": a, "patient": b} {
		if p.source.ActiveTracks() != 0 || p.factory.OpenPeers() != 0 {
			t.Errorf("%s: active tracks %d, open peers %d", name, p.source.ActiveTracks(), p.factory.OpenPeers())
		}
	}
	if len(n.Occupants(roomA)) != 0 {
		t.Errorf("occupants left in room: %+v", n.Occupants(roomA))
	}
}

func TestCall_CloseRightAfterStart(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()

	if _, err := a.view.StartCall(context.Background(), "apt1"); err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	if _, err := b.view.StartCall(context.Background(), "apt1"); err != nil {
		t.Fatalf("StartCall() error: %v", err)
	}
	b.view.Close()
	b.endpoint.Flush()
	a.endpoint.Flush()
	b.endpoint.Flush()

	if got := b.source.ActiveTracks(); got != 0 {
		t.Errorf("active tracks = %d, want 0", got)
	}
	if got := b.factory.OpenPeers(); got != 0 {
		t.Errorf("open peer connections = %d, want 0", got)
	}
	for _, p := range b.factory.Peers() {
		if p.Closes() != 1 {
			t.Errorf("peer closed %d times, want 1", p.Closes())
		}
	}
	if got := b.endpoint.HandlerCount(); got != 0 {
		t.Errorf("handlers left after Close = %d", got)
	}
}

// gatedFactory holds the first peer connection until release is closed.
type gatedFactory struct {
	*calltest.Factory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *gatedFactory) NewPeerConnection() (call.PeerConnection, error) {
	f.once.Do(func() { close(f.entered) })
	<-f.release
	return f.Factory.NewPeerConnection()
}

func TestCall_CloseWhileSessionIsBeingCreated(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	defer a.view.Close()

	gate := &gatedFactory{
		Factory: &calltest.Factory{},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b := newPartyWith(t, n, api, patient, gate.Factory, gate)

	a.view.StartCall(context.Background(), "apt1")
	b.view.StartCall(context.Background(), "apt1")

	select {
	case <-gate.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("session creation never reached the peer factory")
	}
	if got := b.source.ActiveTracks(); got != 2 {
		t.Fatalf("active tracks while creating = %d, want 2", got)
	}

	closed := make(chan struct{})
	go func() {
		b.view.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while the session was still being created")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return after creation finished")
	}

	if got := b.source.ActiveTracks(); got != 0 {
		t.Errorf("active tracks after Close = %d, want 0", got)
	}
	if got := len(b.factory.Peers()); got != 1 {
		t.Fatalf("peers created = %d, want 1", got)
	}
	if got := b.factory.OpenPeers(); got != 0 {
		t.Errorf("open peer connections after Close = %d, want 0", got)
	}
	if b.view.Session() != nil {
		t.Error("session adopted by a closed view")
	}
	b.mu.Lock()
	ended := len(b.ended)
	b.mu.Unlock()
	if ended != 0 {
		t.Errorf("call-ended callbacks for a session never shown = %d", ended)
	}
}

func TestCall_CloseDuringConnectedCall(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()

	a.view.StartCall(context.Background(), "apt1")
	b.view.StartCall(context.Background(), "apt1")
	waitFor(t, "patient connected", func() bool {
		s := b.view.Session()
		return s != nil && s.State() == call.Connected
	})

	b.view.Close()
	if b.source.ActiveTracks() != 0 || b.factory.OpenPeers() != 0 {
		t.Errorf("after Close: active tracks %d, open peers %d", b.source.ActiveTracks(), b.factory.OpenPeers())
	}
	waitFor(t, "doctor session to close", func() bool { return a.view.Session() == nil })

	b.view.Close()
	if _, err := b.view.StartCall(context.Background(), "apt1"); err != ErrClosed {
		t.Errorf("StartCall() after Close error = %v", err)
	}
}

func TestCall_MediaUnavailable(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()
	defer b.view.Close()
	b.source.Err = fmt.Errorf("camera busy")

	a.view.StartCall(context.Background(), "apt1")
	b.view.StartCall(context.Background(), "apt1")
	b.endpoint.Flush()

	if b.view.Session() != nil || b.view.RoomID() != "" {
		t.Error("call kept without media")
	}
	if b.noticeCount(Error) == 0 {
		t.Error("no error notice for missing media")
	}
	if len(b.factory.Peers()) != 0 {
		t.Error("peer connection created without media")
	}
}

func TestCall_StatusEndsCall(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	defer a.view.Close()

	room, _ := a.view.StartCall(context.Background(), "apt1")
	if _, err := a.view.StartCall(context.Background(), "apt2"); err != ErrCallInProgress {
		t.Errorf("second StartCall() error = %v", err)
	}

	a.endpoint.Deliver(protocol.TypeCallStatus, protocol.CallStatusMsg{RoomID: room, Status: protocol.CallTimeout})
	a.endpoint.Flush()

	if a.view.RoomID() != "" {
		t.Errorf("RoomID() = %q after timeout", a.view.RoomID())
	}
	if got := len(a.endpoint.Sent(protocol.TypeLeaveCallRoom)); got != 1 {
		t.Errorf("leave frames = %d, want 1", got)
	}
	if a.noticeCount(Warning) != 1 {
		t.Errorf("warning notices = %d", a.noticeCount(Warning))
	}
}

func TestRespondToCall(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()
	defer b.view.Close()

	if err := b.view.RespondToCall(true); err != ErrNoCall {
		t.Errorf("RespondToCall() without a call error = %v", err)
	}

	a.view.StartCall(context.Background(), "apt1")
	b.view.StartCall(context.Background(), "apt1")
	if err := b.view.RespondToCall(false); err != nil {
		t.Fatalf("RespondToCall(false) error: %v", err)
	}
	a.endpoint.Flush()

	if b.view.RoomID() != "" {
		t.Error("declining did not end the call")
	}
	var status protocol.CallResponseMsg
	frames := b.endpoint.Sent(protocol.TypeCallResponse)
	if len(frames) != 1 {
		t.Fatalf("call_response frames = %d", len(frames))
	}
	if err := json.Unmarshal(frames[0].Data, &status); err != nil || status.Status != protocol.CallDeclined {
		t.Errorf("call_response = %s", frames[0].Data)
	}
	waitFor(t, "doctor to see the decline", func() bool { return a.view.RoomID() == "" })
}

func TestReadReceiptFromPeer(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	defer a.view.Close()

	a.endpoint.Deliver(protocol.TypeMessagesRead, protocol.MessagesReadMsg{ConversationID: "c1", ReaderID: "patient-1", LastMessageID: "m9"})
	a.endpoint.Deliver(protocol.TypeMessagesRead, protocol.MessagesReadMsg{ConversationID: "c2", ReaderID: "patient-1", LastMessageID: "x"})
	a.endpoint.Flush()

	if got := a.view.LastReadByPeer(); got != "m9" {
		t.Errorf("LastReadByPeer() = %q", got)
	}
}

func TestDisconnectEndsCall(t *testing.T) {
	n := realtimetest.NewNetwork()
	api := &fakeAPI{net: n}
	a := newParty(t, n, api, doctor)
	b := newParty(t, n, api, patient)
	defer a.view.Close()
	defer b.view.Close()

	a.view.StartCall(context.Background(), "apt1")
	b.view.StartCall(context.Background(), "apt1")
	waitFor(t, "doctor session", func() bool { return a.view.Session() != nil })

	b.endpoint.Disconnect()
	b.endpoint.Flush()
	waitFor(t, "doctor session to close on user_left", func() bool { return a.view.Session() == nil })

	if b.view.Session() != nil || b.source.ActiveTracks() != 0 {
		t.Error("patient media still up after disconnect")
	}
	if b.noticeCount(Warning) == 0 {
		t.Error("no connection lost notice")
	}
}

