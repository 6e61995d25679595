// Package realtimetest provides an in-memory gateway for testing components
// that sit on top of realtime.Conn. It routes conversation messages, call room
// membership and signaling the way cmd/gateway does, without sockets, Redis or
// NATS.
package realtimetest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime"
)

// Network is the in-memory gateway.
type Network struct {
	mu            sync.Mutex
	seq           int
	endpoints     map[string]*Endpoint
	conversations map[string]map[string]bool // conversation id -> connection ids
	rooms         map[string]*room
	roomsByAppt   map[string]string
}

type room struct {
	id        string
	occupants []protocol.Occupant
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{
		endpoints:     make(map[string]*Endpoint),
		conversations: make(map[string]map[string]bool),
		rooms:         make(map[string]*room),
		roomsByAppt:   make(map[string]string),
	}
}

// Connect attaches a new endpoint for userID.
func (n *Network) Connect(userID string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	e := &Endpoint{
		net:      n,
		id:       "conn-" + strconv.Itoa(n.seq),
		userID:   userID,
		handlers: make(map[string][]*subscription),
		queue:    make(chan item, 256),
	}
	n.endpoints[e.id] = e
	go e.run()
	return e
}

// CreateRoom returns the call room of appointmentID, creating it if needed.
func (n *Network) CreateRoom(appointmentID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.roomsByAppt[appointmentID]; ok {
		return id
	}
	n.seq++
	id := "room-" + strconv.Itoa(n.seq)
	n.rooms[id] = &room{id: id}
	n.roomsByAppt[appointmentID] = id
	return id
}

// Occupants returns the connections currently in roomID.
func (n *Network) Occupants(roomID string) []protocol.Occupant {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]protocol.Occupant(nil), r.occupants...)
}

func (n *Network) route(from *Endpoint, event string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch event {
	case protocol.TypeJoinConversation:
		var m protocol.JoinConversationMsg
		json.Unmarshal(data, &m)
		if n.conversations[m.ConversationID] == nil {
			n.conversations[m.ConversationID] = make(map[string]bool)
		}
		n.conversations[m.ConversationID][from.id] = true

	case protocol.TypeSendMessage:
		var m protocol.SendMessageMsg
		json.Unmarshal(data, &m)
		n.seq++
		msg := protocol.ChatMessage{
			ID:             "msg-" + strconv.Itoa(n.seq),
			ConversationID: m.ConversationID,
			SenderID:       from.userID,
			Content:        m.Content,
			ClientKey:      m.ClientKey,
			CreatedAt:      time.Now().UnixMilli(),
		}
		for connID := range n.conversations[m.ConversationID] {
			n.deliverLocked(connID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
		}

	case protocol.TypeJoinCallRoom:
		var m protocol.JoinCallRoomMsg
		json.Unmarshal(data, &m)
		r, ok := n.rooms[m.RoomID]
		if !ok {
			n.deliverLocked(from.id, protocol.TypeError, protocol.ErrorMsg{Code: "room_not_found", Message: "call room not found"})
			return
		}
		var others []protocol.Occupant
		joined := false
		for _, o := range r.occupants {
			if o.ConnectionID == from.id {
				joined = true
				continue
			}
			others = append(others, o)
		}
		if !joined {
			if len(r.occupants) >= 2 {
				n.deliverLocked(from.id, protocol.TypeError, protocol.ErrorMsg{Code: "room_full", Message: "call room is full"})
				return
			}
			r.occupants = append(r.occupants, protocol.Occupant{ConnectionID: from.id, UserID: from.userID})
		}
		if others == nil {
			others = []protocol.Occupant{}
		}
		n.deliverLocked(from.id, protocol.TypeCallRoomInfo, protocol.CallRoomInfoMsg{RoomID: r.id, Occupants: others})
		for _, o := range others {
			n.deliverLocked(o.ConnectionID, protocol.TypeUserJoined, protocol.PeerEventMsg{RoomID: r.id, ConnectionID: from.id, UserID: from.userID})
		}

	case protocol.TypeLeaveCallRoom:
		var m protocol.LeaveCallRoomMsg
		json.Unmarshal(data, &m)
		n.leaveLocked(m.RoomID, from)

	case protocol.TypeCallResponse:
		var m protocol.CallResponseMsg
		json.Unmarshal(data, &m)
		if r, ok := n.rooms[m.RoomID]; ok {
			for _, o := range r.occupants {
				if o.ConnectionID != from.id {
					n.deliverLocked(o.ConnectionID, protocol.TypeCallStatus, protocol.CallStatusMsg{RoomID: r.id, Status: m.Status, By: from.userID})
				}
			}
		}

	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		var m protocol.SignalMsg
		json.Unmarshal(data, &m)
		to := m.To
		m.From, m.To = from.id, ""
		n.deliverLocked(to, event, m)

	case protocol.TypePing:
		n.deliverLocked(from.id, protocol.TypePong, protocol.PongMsg{})
	}
}

func (n *Network) leaveLocked(roomID string, from *Endpoint) {
	r, ok := n.rooms[roomID]
	if !ok {
		return
	}
	kept := r.occupants[:0]
	left := false
	for _, o := range r.occupants {
		if o.ConnectionID == from.id {
			left = true
			continue
		}
		kept = append(kept, o)
	}
	r.occupants = kept
	if !left {
		return
	}
	for _, o := range r.occupants {
		n.deliverLocked(o.ConnectionID, protocol.TypeUserLeft, protocol.PeerEventMsg{RoomID: r.id, ConnectionID: from.id, UserID: from.userID})
	}
}

func (n *Network) deliverLocked(connID, event string, payload interface{}) {
	e, ok := n.endpoints[connID]
	if !ok {
		return
	}
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		panic(fmt.Sprintf("realtimetest: encode %s: %v", event, err))
	}
	e.enqueue(item{data: data})
}

// Endpoint is one client connection on a Network. It implements
// realtime.Conn; handlers run serially on the endpoint's own goroutine.
type Endpoint struct {
	net    *Network
	id     string
	userID string

	mu       sync.Mutex
	handlers map[string][]*subscription
	nextID   int
	sent     []Frame
	closed   bool

	queue chan item
}

var _ realtime.Conn = (*Endpoint)(nil)

// Frame is one event emitted by an endpoint.
type Frame struct {
	Type string
	Data json.RawMessage
}

type item struct {
	data []byte
	done chan struct{}
}

type subscription struct {
	e       *Endpoint
	event   string
	id      int
	handler realtime.Handler
}

// ConnectionID returns the endpoint's connection id.
func (e *Endpoint) ConnectionID() string { return e.id }

// UserID returns the user the endpoint belongs to.
func (e *Endpoint) UserID() string { return e.userID }

// Emit records the event and routes it through the network.
func (e *Endpoint) Emit(event string, payload interface{}) error {
	data, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return realtime.ErrNotConnected
	}
	e.sent = append(e.sent, Frame{Type: event, Data: data})
	e.mu.Unlock()

	e.net.route(e, event, data)
	return nil
}

// On registers a handler.
func (e *Endpoint) On(event string, handler realtime.Handler) realtime.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub := &subscription{e: e, event: event, id: e.nextID, handler: handler}
	e.handlers[event] = append(e.handlers[event], sub)
	return sub
}

func (s *subscription) Unsubscribe() {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	subs := s.e.handlers[s.event]
	for i, other := range subs {
		if other == s {
			s.e.handlers[s.event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of registered handlers over all events.
func (e *Endpoint) HandlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, subs := range e.handlers {
		n += len(subs)
	}
	return n
}

// Sent returns the emitted frames of type event, or all frames when event is
// empty.
func (e *Endpoint) Sent(event string) []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Frame
	for _, f := range e.sent {
		if event == "" || f.Type == event {
			out = append(out, f)
		}
	}
	return out
}

// Deliver pushes a server event to this endpoint as if the gateway sent it.
func (e *Endpoint) Deliver(event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		panic(fmt.Sprintf("realtimetest: encode %s: %v", event, err))
	}
	e.enqueue(item{data: data})
}

// Flush blocks until every event queued so far has been handled.
func (e *Endpoint) Flush() {
	done := make(chan struct{})
	e.enqueue(item{done: done})
	<-done
}

// Disconnect drops the endpoint: it leaves every room, the remaining
// occupants get user_left and the endpoint's own handlers get disconnect.
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	n := e.net
	n.mu.Lock()
	for id := range n.rooms {
		n.leaveLocked(id, e)
	}
	for _, members := range n.conversations {
		delete(members, e.id)
	}
	delete(n.endpoints, e.id)
	n.mu.Unlock()

	e.enqueue(item{data: []byte(`{"type":"` + protocol.TypeDisconnect + `"}`)})
}

func (e *Endpoint) enqueue(it item) {
	e.queue <- it
}

func (e *Endpoint) run() {
	for it := range e.queue {
		if it.done != nil {
			close(it.done)
			continue
		}
		typ, raw, err := protocol.ParseServerMessage(it.data)
		if err != nil {
			continue
		}
		if typ == protocol.TypeDisconnect {
			raw = nil
		}

		e.mu.Lock()
		subs := append([]*subscription(nil), e.handlers[typ]...)
		e.mu.Unlock()
		for _, s := range subs {
			s.handler(raw)
		}
	}
}
