// Package chat is the client side of conversation messaging: joining a
// conversation room, sending with optimistic display, reconciling the
// authoritative copies that come back, and read receipts.
package chat

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/realtime"
)

// Message is a timeline entry. Pending is true for an optimistic copy that
// has not been confirmed by the gateway yet.
type Message struct {
	protocol.ChatMessage
	Pending bool `json:"pending,omitempty"`
}

// Channel sends and receives chat events over the shared connection.
type Channel struct {
	conn     realtime.Conn
	senderID string
}

// NewChannel creates a Channel for the user senderID.
func NewChannel(conn realtime.Conn, senderID string) *Channel {
	return &Channel{conn: conn, senderID: senderID}
}

// Join asks the gateway to add this connection to the conversation room.
// Joining twice is harmless.
func (c *Channel) Join(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("chat: join: empty conversation id")
	}
	return c.conn.Emit(protocol.TypeJoinConversation, protocol.JoinConversationMsg{ConversationID: conversationID})
}

// Leave does nothing. Room membership ends when the connection goes away.
func (c *Channel) Leave(conversationID string) error {
	return nil
}

// Send emits text to the conversation and returns the optimistic message to
// display until the authoritative copy arrives. It does not wait for the
// gateway.
func (c *Channel) Send(conversationID, text string) (Message, error) {
	if err := protocol.ValidateMessageText(text); err != nil {
		return Message{}, fmt.Errorf("chat: %w", err)
	}

	msg := Message{
		ChatMessage: protocol.ChatMessage{
			ConversationID: conversationID,
			SenderID:       c.senderID,
			Content:        text,
			ClientKey:      uuid.New().String(),
			CreatedAt:      time.Now().UnixMilli(),
		},
		Pending: true,
	}

	err := c.conn.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: conversationID,
		Content:        text,
		ClientKey:      msg.ClientKey,
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat: send: %w", err)
	}
	return msg, nil
}

// OnMessage calls fn for every new_message event.
func (c *Channel) OnMessage(fn func(protocol.ChatMessage)) realtime.Subscription {
	return c.conn.On(protocol.TypeNewMessage, func(raw json.RawMessage) {
		var ev protocol.NewMessageMsg
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Message.ID == "" {
			log.Printf("[chat] dropping malformed new_message: %s", raw)
			return
		}
		fn(ev.Message)
	})
}

// OnRead calls fn for every messages_read event.
func (c *Channel) OnRead(fn func(protocol.MessagesReadMsg)) realtime.Subscription {
	return c.conn.On(protocol.TypeMessagesRead, func(raw json.RawMessage) {
		var ev protocol.MessagesReadMsg
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("[chat] dropping malformed messages_read: %v", err)
			return
		}
		fn(ev)
	})
}
