// Package consultation composes chat and calling for one conversation
// between a doctor and a patient. A View owns every subscription it makes on
// the shared connection and at most one call session; Close releases all of
// them.
package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/medilink/realtime/internal/call"
	"github.com/medilink/realtime/internal/chat"
	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime"
	"github.com/medilink/realtime/internal/restclient"
	"github.com/medilink/realtime/internal/signaling"
	"github.com/medilink/realtime/internal/usersession"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("consultation: view closed")

	// ErrCallInProgress is returned by StartCall while a call is active.
	ErrCallInProgress = errors.New("consultation: a call is already in progress")

	// ErrNoCall is returned by call operations when no call room is joined.
	ErrNoCall = errors.New("consultation: no active call")
)

// API is the REST surface the view needs. *restclient.Client implements it.
type API interface {
	ListMessages(ctx context.Context, conversationID string, page, limit int) (*restclient.MessagePage, error)
	MarkRead(ctx context.Context, conversationID, lastMessageID string) error
	CreateCallRoom(ctx context.Context, appointmentID string) (*restclient.CallRoom, error)
}

// Level is the severity of a Notice.
type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	}
	return "unknown"
}

// Notice is a user-facing message.
type Notice struct {
	Level   Level
	Message string
}

// Config configures a View.
type Config struct {
	ConversationID string
	Self           usersession.User
	Conn           realtime.Conn
	API            API
	Factory        call.PeerFactory
	Source         call.MediaSource
	PageSize       int

	// Callbacks, all optional. They run on the connection's event goroutine.
	Notify         func(Notice)
	OnTimeline     func()
	OnCallState    func(call.State)
	OnMediaUp      func()
	OnRemoteStream func(streamID string)
	OnRemoteTrack  func(*webrtc.TrackRemote)
	OnCallEnded    func(reason string)
}

// View is one open consultation.
type View struct {
	cfg      Config
	chat     *chat.Channel
	relay    *signaling.Relay
	timeline *chat.Timeline
	receipts *chat.ReadReceipts

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []realtime.Subscription
	opened   bool
	closed   bool
	page     int
	total    int
	roomID   string
	session  *call.Session
	peerRead string // last message id the other participant read

	// creating counts sessions being built outside mu; Close waits for them.
	creating sync.WaitGroup
}

// New creates a View. Nothing is sent until Open.
func New(cfg Config) *View {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &View{
		cfg:      cfg,
		chat:     chat.NewChannel(cfg.Conn, cfg.Self.ID),
		relay:    signaling.NewRelay(cfg.Conn),
		timeline: chat.NewTimeline(cfg.Self.ID),
		receipts: chat.NewReadReceipts(cfg.API, cfg.ConversationID, cfg.Self.ID),
	}
}

// Open joins the conversation room, subscribes to its events, loads the
// newest page of history and sends a read receipt if needed.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.opened {
		v.mu.Unlock()
		return nil
	}
	v.opened = true
	v.ctx, v.cancel = context.WithCancel(context.Background())

	conn := v.cfg.Conn
	v.subs = append(v.subs,
		v.chat.OnMessage(v.handleMessage),
		v.chat.OnRead(v.handleRead),
		conn.On(protocol.TypeCallRoomInfo, v.handleRoomInfo),
		conn.On(protocol.TypeUserJoined, v.handleUserJoined),
		conn.On(protocol.TypeUserLeft, v.handleUserLeft),
		conn.On(protocol.TypeCallStatus, v.handleCallStatus),
		conn.On(protocol.TypeError, v.handleError),
		conn.On(protocol.TypeDisconnect, v.handleDisconnect),
		v.relay.OnOffer(v.handleOffer),
		v.relay.OnAnswer(v.handleAnswer),
		v.relay.OnCandidate(v.handleCandidate),
	)
	v.mu.Unlock()

	if err := v.chat.Join(v.cfg.ConversationID); err != nil {
		return fmt.Errorf("consultation: join %s: %w", v.cfg.ConversationID, err)
	}
	if _, err := v.LoadPage(ctx); err != nil {
		return err
	}
	return nil
}

// Messages returns the timeline, oldest first.
func (v *View) Messages() []chat.Message {
	return v.timeline.Messages()
}

// HasMore reports whether older history remains on the server.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.page == 0 || v.page*v.cfg.PageSize < v.total
}

// LoadPage fetches the next older page and prepends it. It returns how many
// messages were added.
func (v *View) LoadPage(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrClosed
	}
	next := v.page + 1
	v.mu.Unlock()

	page, err := v.cfg.API.ListMessages(ctx, v.cfg.ConversationID, next, v.cfg.PageSize)
	if err != nil {
		v.notify(Error, "could not load messages: "+errorText(err))
		return 0, fmt.Errorf("consultation: load page %d: %w", next, err)
	}

	v.mu.Lock()
	v.page = next
	v.total = page.Total
	v.mu.Unlock()

	added := v.timeline.Prepend(page.Messages)
	v.changed()

	if _, err := v.receipts.PageLoaded(ctx, page.Messages); err != nil {
		v.notify(Warning, "could not mark messages as read")
	}
	return added, nil
}

// Send sends text and shows it optimistically.
func (v *View) Send(text string) (chat.Message, error) {
	if v.isClosed() {
		return chat.Message{}, ErrClosed
	}
	msg, err := v.chat.Send(v.cfg.ConversationID, text)
	if err != nil {
		v.notify(Error, "message not sent: "+errorText(err))
		return chat.Message{}, err
	}
	v.timeline.AddPending(msg)
	v.changed()
	return msg, nil
}

// StartCall creates (or reuses) the call room of appointmentID and joins it.
// If the other participant is already there this side sends the offer;
// otherwise it waits for them.
func (v *View) StartCall(ctx context.Context, appointmentID string) (string, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return "", ErrClosed
	}
	if v.roomID != "" || v.session != nil {
		v.mu.Unlock()
		return "", ErrCallInProgress
	}
	v.mu.Unlock()

	room, err := v.cfg.API.CreateCallRoom(ctx, appointmentID)
	if err != nil {
		v.notify(Error, "could not start the call: "+errorText(err))
		return "", fmt.Errorf("consultation: create call room: %w", err)
	}
	if err := v.JoinCall(room.ID); err != nil {
		return "", err
	}
	return room.ID, nil
}

// JoinCall joins an existing call room.
func (v *View) JoinCall(roomID string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.roomID != "" && v.roomID != roomID {
		v.mu.Unlock()
		return ErrCallInProgress
	}
	v.roomID = roomID
	v.mu.Unlock()

	if err := v.cfg.Conn.Emit(protocol.TypeJoinCallRoom, protocol.JoinCallRoomMsg{RoomID: roomID}); err != nil {
		v.mu.Lock()
		v.roomID = ""
		v.mu.Unlock()
		v.notify(Error, "could not join the call: "+errorText(err))
		return fmt.Errorf("consultation: join call room: %w", err)
	}
	log.Printf("[consultation] %s joining call room %s", v.cfg.Self.ID, roomID)
	return nil
}

// RespondToCall accepts or declines the ringing call. Declining ends it.
func (v *View) RespondToCall(accepted bool) error {
	roomID := v.RoomID()
	if roomID == "" {
		return ErrNoCall
	}
	status := protocol.CallDeclined
	if accepted {
		status = protocol.CallAccepted
	}
	if err := v.cfg.Conn.Emit(protocol.TypeCallResponse, protocol.CallResponseMsg{RoomID: roomID, Status: status}); err != nil {
		return fmt.Errorf("consultation: call response: %w", err)
	}
	if !accepted {
		v.EndCall()
	}
	return nil
}

// EndCall tears down media and leaves the call room.
func (v *View) EndCall() {
	v.endCall("hangup")
}

func (v *View) endCall(reason string) {
	v.mu.Lock()
	s := v.session
	v.session = nil
	roomID := v.roomID
	v.roomID = ""
	v.mu.Unlock()

	if s != nil {
		s.Close(reason)
	}
	if roomID != "" {
		if err := v.cfg.Conn.Emit(protocol.TypeLeaveCallRoom, protocol.LeaveCallRoomMsg{RoomID: roomID}); err != nil {
			log.Printf("[consultation] leave call room %s: %v", roomID, err)
		}
	}
}

// SetAudioEnabled mutes or unmutes the microphone of the active call.
func (v *View) SetAudioEnabled(on bool) error {
	s := v.Session()
	if s == nil {
		return ErrNoCall
	}
	s.SetAudioEnabled(on)
	return nil
}

// SetVideoEnabled turns the camera of the active call on or off.
func (v *View) SetVideoEnabled(on bool) error {
	s := v.Session()
	if s == nil {
		return ErrNoCall
	}
	s.SetVideoEnabled(on)
	return nil
}

// Session returns the active call session, or nil.
func (v *View) Session() *call.Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session
}

// RoomID returns the joined call room, or "".
func (v *View) RoomID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.roomID
}

// LastReadByPeer returns the last message id the other participant read.
func (v *View) LastReadByPeer() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peerRead
}

// Close releases every subscription, stops local media and closes the peer
// connection before returning. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	subs := v.subs
	v.subs = nil
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	v.creating.Wait()
	v.endCall("view closed")
	_ = v.chat.Leave(v.cfg.ConversationID)
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// ensureSession returns the active session, creating it for roomID if
// needed. It returns nil when the view closed or left the room meanwhile, or
// media failed. With adopt set, a view outside any call room takes roomID as
// its own.
func (v *View) ensureSession(roomID string, adopt bool) *call.Session {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	if v.session != nil {
		s := v.session
		v.mu.Unlock()
		return s
	}
	ctx := v.ctx
	v.creating.Add(1)
	v.mu.Unlock()

	s, err := v.createSession(ctx, roomID, adopt)
	if err != nil {
		if errors.Is(err, call.ErrMediaUnavailable) {
			v.notify(Error, "camera or microphone unavailable: "+err.Error())
		} else {
			v.notify(Error, "could not start the call: "+err.Error())
		}
		v.endCall("media unavailable")
		return nil
	}
	return s
}

// createSession builds a session and adopts it, or closes it again when the
// view no longer wants it. It always releases v.creating, and an unwanted
// session is closed before that, so Close never returns with its tracks live.
// Until adoption a session reports nothing to the owner's callbacks.
func (v *View) createSession(ctx context.Context, roomID string, adopt bool) (*call.Session, error) {
	defer v.creating.Done()

	var s *call.Session
	adopted := false
	owned := func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return adopted
	}

	s, err := call.NewSession(ctx, call.Config{
		RoomID:   roomID,
		Factory:  v.cfg.Factory,
		Source:   v.cfg.Source,
		Signaler: v.relay,
		Events: call.Events{
			OnStateChange: func(st call.State) {
				if v.cfg.OnCallState != nil && owned() {
					v.cfg.OnCallState(st)
				}
			},
			OnMediaUp:      v.handleMediaUp,
			OnRemoteStream: v.cfg.OnRemoteStream,
			OnRemoteTrack:  v.cfg.OnRemoteTrack,
			OnClosed: func(reason string) {
				if owned() {
					v.handleSessionClosed(s, reason)
				}
			},
		},
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	switch {
	case v.closed, v.roomID == "" && !adopt, v.roomID != "" && v.roomID != roomID:
		v.mu.Unlock()
		s.Close("call no longer wanted")
		return nil, nil
	case v.session != nil:
		current := v.session
		v.mu.Unlock()
		s.Close("superseded")
		return current, nil
	}
	adopted = true
	v.session = s
	v.roomID = roomID
	v.mu.Unlock()
	return s, nil
}

func (v *View) handleSessionClosed(s *call.Session, reason string) {
	v.mu.Lock()
	current := v.session == s
	if current {
		v.session = nil
	}
	roomID := v.roomID
	closed := v.closed
	if current {
		v.roomID = ""
	}
	v.mu.Unlock()

	if current && roomID != "" && !closed {
		if err := v.cfg.Conn.Emit(protocol.TypeLeaveCallRoom, protocol.LeaveCallRoomMsg{RoomID: roomID}); err != nil {
			log.Printf("[consultation] leave call room %s: %v", roomID, err)
		}
	}
	if v.cfg.OnCallEnded != nil {
		v.cfg.OnCallEnded(reason)
	}
}

func (v *View) handleMediaUp() {
	v.notify(Info, "call connected")
	if v.cfg.OnMediaUp != nil {
		v.cfg.OnMediaUp()
	}
}

func (v *View) handleMessage(msg protocol.ChatMessage) {
	if msg.ConversationID != "" && msg.ConversationID != v.cfg.ConversationID {
		return
	}
	if v.timeline.Receive(msg) != chat.Duplicate {
		v.changed()
	}
}

func (v *View) handleRead(ev protocol.MessagesReadMsg) {
	if ev.ConversationID != v.cfg.ConversationID || ev.ReaderID == v.cfg.Self.ID {
		return
	}
	v.mu.Lock()
	v.peerRead = ev.LastMessageID
	v.mu.Unlock()
	v.changed()
}

func (v *View) handleRoomInfo(raw json.RawMessage) {
	var info protocol.CallRoomInfoMsg
	if err := json.Unmarshal(raw, &info); err != nil {
		log.Printf("[consultation] bad call_room_info: %v", err)
		return
	}
	if info.RoomID != v.RoomID() || len(info.Occupants) == 0 {
		return
	}

	remote := info.Occupants[0].ConnectionID
	s := v.ensureSession(info.RoomID, false)
	if s == nil {
		return
	}
	if err := s.Offer(remote); err != nil {
		log.Printf("[consultation] offer to %s: %v", remote, err)
	}
}

func (v *View) handleUserJoined(raw json.RawMessage) {
	var ev protocol.PeerEventMsg
	if err := json.Unmarshal(raw, &ev); err != nil || ev.RoomID != v.RoomID() {
		return
	}
	v.notify(Info, "the other participant joined the call")

	s := v.ensureSession(ev.RoomID, false)
	if s == nil {
		return
	}
	if err := s.SetRemote(ev.ConnectionID); err != nil {
		log.Printf("[consultation] callee-ready for %s: %v", ev.ConnectionID, err)
	}
}

func (v *View) handleUserLeft(raw json.RawMessage) {
	var ev protocol.PeerEventMsg
	if err := json.Unmarshal(raw, &ev); err != nil || ev.RoomID != v.RoomID() {
		return
	}
	if s := v.Session(); s != nil && s.RemoteID() == ev.ConnectionID {
		v.notify(Info, "the other participant left the call")
		s.RemoteLeft(ev.ConnectionID)
	}
}

func (v *View) handleCallStatus(raw json.RawMessage) {
	var ev protocol.CallStatusMsg
	if err := json.Unmarshal(raw, &ev); err != nil || ev.RoomID != v.RoomID() {
		return
	}
	switch ev.Status {
	case protocol.CallAccepted:
		v.notify(Info, "call accepted")
	case protocol.CallDeclined:
		v.notify(Warning, "call declined")
		v.endCall("declined")
	case protocol.CallTimeout:
		v.notify(Warning, "no answer")
		v.endCall("timeout")
	}
}

func (v *View) handleError(raw json.RawMessage) {
	var ev protocol.ErrorMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	v.notify(Error, ev.Message)

	switch ev.Code {
	case "room_full", "room_not_found":
		v.mu.Lock()
		if v.session == nil {
			v.roomID = ""
		}
		v.mu.Unlock()
	}
}

func (v *View) handleDisconnect(json.RawMessage) {
	v.notify(Warning, "connection lost")
	v.mu.Lock()
	s := v.session
	v.session = nil
	v.roomID = ""
	v.mu.Unlock()
	if s != nil {
		s.Close("connection lost")
	}
}

func (v *View) handleOffer(from, roomID string, desc webrtc.SessionDescription) {
	current := v.RoomID()
	if current != "" && roomID != "" && roomID != current {
		log.Printf("[consultation] ignoring offer for room %s (in %s)", roomID, current)
		return
	}
	if roomID == "" {
		roomID = current
	}
	s := v.ensureSession(roomID, true)
	if s == nil {
		return
	}
	if err := s.HandleOffer(from, desc); err != nil {
		log.Printf("[consultation] offer from %s: %v", from, err)
	}
}

func (v *View) handleAnswer(from, _ string, desc webrtc.SessionDescription) {
	s := v.Session()
	if s == nil {
		log.Printf("[consultation] answer from %s without a call", from)
		return
	}
	if err := s.HandleAnswer(from, desc); err != nil {
		log.Printf("[consultation] answer from %s: %v", from, err)
	}
}

func (v *View) handleCandidate(from, _ string, c webrtc.ICECandidateInit) {
	s := v.Session()
	if s == nil {
		return
	}
	if err := s.AddCandidate(from, c); err != nil && !errors.Is(err, call.ErrSessionClosed) {
		log.Printf("[consultation] candidate from %s: %v", from, err)
	}
}

func (v *View) notify(level Level, msg string) {
	log.Printf("[consultation] %s: %s", level, msg)
	if v.cfg.Notify != nil {
		v.cfg.Notify(Notice{Level: level, Message: msg})
	}
}

func (v *View) changed() {
	if v.cfg.OnTimeline != nil {
		v.cfg.OnTimeline()
	}
}

func errorText(err error) string {
	var apiErr *restclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
