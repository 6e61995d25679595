package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/medilink/realtime/internal/callroom"
	"github.com/medilink/realtime/internal/conversation"
	"github.com/medilink/realtime/internal/messaging"
	"github.com/medilink/realtime/internal/metrics"
	"github.com/medilink/realtime/internal/presence"
	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/ratelimit"
	"github.com/medilink/realtime/internal/ws"
)

const storeTimeout = 3 * time.Second

type eventBus interface {
	PublishEvent(subject string, frame []byte, exclude string) error
	SubscribeKeyed(key, subject string, handler func(messaging.RoomEvent)) (bool, error)
	Unsubscribe(key string) error
	UnsubscribeAll(connID string) int
}

type conversationStore interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	CreateMessage(ctx context.Context, conversationID string, sender conversation.Sender, content, clientKey string) (protocol.ChatMessage, bool, error)
}

type roomStore interface {
	Join(ctx context.Context, roomID, connID, userID string) ([]protocol.Occupant, error)
	Leave(ctx context.Context, roomID, connID string) (int, error)
	Info(ctx context.Context, roomID string) (*callroom.Room, error)
}

type presenceStore interface {
	Get(ctx context.Context, connID string) (*presence.Connection, error)
	AddConversation(ctx context.Context, connID, conversationID string) error
	SetCallRoom(ctx context.Context, connID, roomID string) error
}

type rateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

type frameSender interface {
	SendMessage(connID string, data []byte) error
}

// gateway holds the event handlers of one gateway instance.
type gateway struct {
	bus           eventBus
	conversations conversationStore
	rooms         roomStore
	presence      presenceStore
	limiter       rateLimiter
	send          frameSender

	mu        sync.Mutex
	callRooms map[string]string // local connection -> call room it joined
}

func (g *gateway) joinedRoom(connID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callRooms[connID]
}

func (g *gateway) rememberRoom(connID, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callRooms == nil {
		g.callRooms = make(map[string]string)
	}
	g.callRooms[connID] = roomID
}

func (g *gateway) forgetRoom(connID, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.callRooms[connID] == roomID {
		delete(g.callRooms, connID)
	}
}

// register wires every client event type to its handler.
func (g *gateway) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinConversation, g.handleJoinConversation)
	d.Register(protocol.TypeLeaveConversation, g.handleLeaveConversation)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeJoinCallRoom, g.handleJoinCallRoom)
	d.Register(protocol.TypeLeaveCallRoom, g.handleLeaveCallRoom)
	d.Register(protocol.TypeCallResponse, g.handleCallResponse)
	d.Register(protocol.TypeOffer, g.handleSignal)
	d.Register(protocol.TypeAnswer, g.handleSignal)
	d.Register(protocol.TypeICECandidate, g.handleSignal)
}

// reply sends an event straight to one connection.
func (g *gateway) reply(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s for %s: %v", msgType, connID, err)
		return
	}
	if err := g.send.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] send %s to %s: %v", msgType, connID, err)
	}
}

func (g *gateway) replyError(connID, code, message string) {
	g.reply(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// publish fans an event out to a room subject.
func (g *gateway) publish(subject, msgType string, payload interface{}, exclude string) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s for %s: %v", msgType, subject, err)
		return
	}
	if err := g.bus.PublishEvent(subject, data, exclude); err != nil {
		log.Printf("[gateway] publish %s to %s: %v", msgType, subject, err)
	}
}

// forwardTo returns a subscription handler that delivers room events to one
// local connection.
func (g *gateway) forwardTo(connID string) func(messaging.RoomEvent) {
	return func(ev messaging.RoomEvent) {
		if ev.Exclude == connID {
			return
		}
		if err := g.send.SendMessage(connID, ev.Data); err != nil {
			log.Printf("[gateway] forward to %s: %v", connID, err)
		}
	}
}

// BroadcastConversation lets the REST API publish into a conversation room.
func (g *gateway) BroadcastConversation(conversationID string, frame []byte) error {
	return g.bus.PublishEvent(messaging.ConversationSubject(conversationID), frame, "")
}

// onConnect subscribes the connection to its direct signaling subject.
func (g *gateway) onConnect(conn *ws.Connection) {
	key := messaging.SubscriptionKey(conn.ID, messaging.SubjectConnection, conn.ID)
	if _, err := g.bus.SubscribeKeyed(key, messaging.ConnectionSubject(conn.ID), g.forwardTo(conn.ID)); err != nil {
		log.Printf("[gateway] subscribe direct subject conn=%s: %v", conn.ID, err)
	}
}

// onDisconnect leaves the call room (notifying the peer) and releases every
// subscription the connection held. The locally remembered room is used when
// presence has no answer.
func (g *gateway) onDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	roomID := g.joinedRoom(conn.ID)
	rec, err := g.presence.Get(ctx, conn.ID)
	if err != nil {
		log.Printf("[disconnect] conn=%s presence lookup: %v", conn.ID, err)
	}
	if rec != nil && rec.CallRoom != "" {
		roomID = rec.CallRoom
	}
	if roomID != "" {
		g.leaveRoom(ctx, conn, roomID)
	}

	n := g.bus.UnsubscribeAll(conn.ID)
	log.Printf("[disconnect] conn=%s user=%s released %d subscriptions", conn.ID, conn.UserID, n)
}

func (g *gateway) handleJoinConversation(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinConversationMsg)
	if !ok || m.ConversationID == "" {
		g.replyError(conn.ID, "invalid_request", "conversation_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	allowed, err := g.conversations.IsParticipant(ctx, m.ConversationID, conn.UserID)
	if err != nil {
		log.Printf("[chat] join conn=%s conversation=%s: %v", conn.ID, m.ConversationID, err)
		g.replyError(conn.ID, "internal", "could not join conversation")
		return
	}
	if !allowed {
		g.replyError(conn.ID, "forbidden", "not a participant of this conversation")
		return
	}

	key := messaging.SubscriptionKey(conn.ID, messaging.SubjectConversation, m.ConversationID)
	added, err := g.bus.SubscribeKeyed(key, messaging.ConversationSubject(m.ConversationID), g.forwardTo(conn.ID))
	if err != nil {
		log.Printf("[chat] subscribe conn=%s conversation=%s: %v", conn.ID, m.ConversationID, err)
		g.replyError(conn.ID, "internal", "could not join conversation")
		return
	}
	if added {
		if err := g.presence.AddConversation(ctx, conn.ID, m.ConversationID); err != nil {
			log.Printf("[chat] presence add conversation conn=%s: %v", conn.ID, err)
		}
		log.Printf("[chat] conn=%s joined conversation=%s", conn.ID, m.ConversationID)
	}
}

// handleLeaveConversation is accepted and ignored; membership lasts as long
// as the connection.
func (g *gateway) handleLeaveConversation(conn *ws.Connection, msg interface{}) {
	if m, ok := msg.(protocol.LeaveConversationMsg); ok {
		log.Printf("[chat] conn=%s leave_conversation=%s ignored", conn.ID, m.ConversationID)
	}
}

func (g *gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok || m.ConversationID == "" {
		g.replyError(conn.ID, "invalid_request", "conversation_id is required")
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if allowed, _ := g.limiter.Allow(ctx, conn.ID, ratelimit.RuleChat); !allowed {
		metrics.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		g.replyError(conn.ID, "rate_limited", "too many messages, slow down")
		return
	}

	if err := protocol.ValidateMessageText(m.Content); err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		g.replyError(conn.ID, "invalid_message", err.Error())
		return
	}

	allowed, err := g.conversations.IsParticipant(ctx, m.ConversationID, conn.UserID)
	if err != nil || !allowed {
		metrics.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		g.replyError(conn.ID, "forbidden", "not a participant of this conversation")
		return
	}

	sender := conversation.Sender{ID: conn.UserID, Name: conn.Name, Role: conn.Role}
	stored, duplicate, err := g.conversations.CreateMessage(ctx, m.ConversationID, sender, m.Content, m.ClientKey)
	if err != nil {
		log.Printf("[chat] store message conn=%s conversation=%s: %v", conn.ID, m.ConversationID, err)
		g.replyError(conn.ID, "internal", "message could not be saved")
		return
	}

	if duplicate {
		// The room already saw this message; only the retrying sender needs
		// the authoritative copy.
		metrics.ChatMessagesTotal.WithLabelValues("duplicate").Inc()
		g.reply(conn.ID, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: stored})
		return
	}

	g.publish(messaging.ConversationSubject(m.ConversationID), protocol.TypeNewMessage,
		protocol.NewMessageMsg{Message: stored}, "")
	metrics.ChatMessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

func (g *gateway) handleJoinCallRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinCallRoomMsg)
	if !ok || m.RoomID == "" {
		g.replyError(conn.ID, "invalid_request", "room_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	others, err := g.rooms.Join(ctx, m.RoomID, conn.ID, conn.UserID)
	switch {
	case errors.Is(err, callroom.ErrNotFound):
		g.replyError(conn.ID, "room_not_found", "call room does not exist")
		return
	case errors.Is(err, callroom.ErrRoomFull):
		g.replyError(conn.ID, "room_full", "call room already has two participants")
		return
	case err != nil:
		log.Printf("[call] join conn=%s room=%s: %v", conn.ID, m.RoomID, err)
		g.replyError(conn.ID, "internal", "could not join call room")
		return
	}

	key := messaging.SubscriptionKey(conn.ID, messaging.SubjectCallRoom, m.RoomID)
	added, err := g.bus.SubscribeKeyed(key, messaging.CallRoomSubject(m.RoomID), g.forwardTo(conn.ID))
	if err != nil {
		log.Printf("[call] subscribe conn=%s room=%s: %v", conn.ID, m.RoomID, err)
	}
	if added {
		metrics.CallRoomMemberships.Inc()
	}
	g.rememberRoom(conn.ID, m.RoomID)
	if err := g.presence.SetCallRoom(ctx, conn.ID, m.RoomID); err != nil {
		log.Printf("[call] presence set room conn=%s: %v", conn.ID, err)
	}

	g.reply(conn.ID, protocol.TypeCallRoomInfo, protocol.CallRoomInfoMsg{RoomID: m.RoomID, Occupants: others})
	g.publish(messaging.CallRoomSubject(m.RoomID), protocol.TypeUserJoined, protocol.PeerEventMsg{
		RoomID:       m.RoomID,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
	}, conn.ID)

	log.Printf("[call] conn=%s user=%s joined room=%s (others=%d)", conn.ID, conn.UserID, m.RoomID, len(others))
}

func (g *gateway) handleLeaveCallRoom(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.LeaveCallRoomMsg)
	if !ok || m.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	g.leaveRoom(ctx, conn, m.RoomID)
	if err := g.presence.SetCallRoom(ctx, conn.ID, ""); err != nil {
		log.Printf("[call] presence clear room conn=%s: %v", conn.ID, err)
	}
}

// leaveRoom removes conn from the room and tells the remaining occupant.
func (g *gateway) leaveRoom(ctx context.Context, conn *ws.Connection, roomID string) {
	remaining, err := g.rooms.Leave(ctx, roomID, conn.ID)
	if err != nil {
		log.Printf("[call] leave conn=%s room=%s: %v", conn.ID, roomID, err)
	}

	key := messaging.SubscriptionKey(conn.ID, messaging.SubjectCallRoom, roomID)
	if err := g.bus.Unsubscribe(key); err == nil {
		metrics.CallRoomMemberships.Dec()
	}
	g.forgetRoom(conn.ID, roomID)

	g.publish(messaging.CallRoomSubject(roomID), protocol.TypeUserLeft, protocol.PeerEventMsg{
		RoomID:       roomID,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
	}, conn.ID)

	log.Printf("[call] conn=%s left room=%s (remaining=%d)", conn.ID, roomID, remaining)
}

func (g *gateway) handleCallResponse(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CallResponseMsg)
	if !ok || m.RoomID == "" {
		g.replyError(conn.ID, "invalid_request", "room_id is required")
		return
	}
	if m.Status != protocol.CallAccepted && m.Status != protocol.CallDeclined {
		g.replyError(conn.ID, "invalid_request", "status must be accepted or declined")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := g.rooms.Info(ctx, m.RoomID); err != nil {
		g.replyError(conn.ID, "room_not_found", "call room does not exist")
		return
	}

	g.publish(messaging.CallRoomSubject(m.RoomID), protocol.TypeCallStatus, protocol.CallStatusMsg{
		RoomID: m.RoomID,
		Status: m.Status,
		By:     conn.UserID,
	}, conn.ID)
	log.Printf("[call] conn=%s %s call in room=%s", conn.ID, m.Status, m.RoomID)
}

// handleSignal relays offer, answer and ice_candidate to the addressed
// connection. Both ends must be in the same call room; the payload is not
// inspected.
func (g *gateway) handleSignal(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SignalMsg)
	if !ok {
		return
	}
	if m.To == "" {
		g.replyError(conn.ID, "invalid_request", "signaling message needs a destination")
		return
	}
	if allowed, _ := g.limiter.Allow(context.Background(), conn.ID, ratelimit.RuleSignal); !allowed {
		g.replyError(conn.ID, "rate_limited", "too many signaling messages")
		return
	}

	roomID := g.joinedRoom(conn.ID)
	if roomID == "" {
		g.replyError(conn.ID, "not_in_room", "join a call room before signaling")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	dest, err := g.presence.Get(ctx, m.To)
	if err != nil {
		log.Printf("[call] signal conn=%s to=%s presence lookup: %v", conn.ID, m.To, err)
		g.replyError(conn.ID, "internal", "could not relay signaling message")
		return
	}
	if dest == nil || dest.CallRoom != roomID {
		g.replyError(conn.ID, "not_in_room", "destination is not in your call room")
		return
	}

	m.From = conn.ID
	to := m.To
	m.To = ""
	g.publish(messaging.ConnectionSubject(to), m.Type, m, "")
	metrics.SignalRelaysTotal.WithLabelValues(m.Type).Inc()
}

// ringTimedOut tells a room that nobody answered.
func (g *gateway) ringTimedOut(roomID string) {
	metrics.RingTimeoutsTotal.Inc()
	g.publish(messaging.CallRoomSubject(roomID), protocol.TypeCallStatus, protocol.CallStatusMsg{
		RoomID: roomID,
		Status: protocol.CallTimeout,
	}, "")
}
