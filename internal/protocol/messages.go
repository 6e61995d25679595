// Package protocol defines the event types and payloads exchanged over the
// real-time channel between consultation clients and the gateway. Every frame
// is a single JSON object with a "type" discriminator; the remaining fields
// belong to the concrete event struct.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeJoinCallRoom      = "join_call_room"
	TypeLeaveCallRoom     = "leave_call_room"
	TypeCallResponse      = "call_response"
	TypePing              = "ping"
)

// Signaling event types. The same names are used in both directions: the
// client addresses a destination with "to", the gateway stamps "from".
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
)

// Server -> Client event types.
const (
	TypeConnected    = "connected"
	TypeNewMessage   = "new_message"
	TypeMessagesRead = "messages_read"
	TypeCallRoomInfo = "call_room_info"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypeCallStatus   = "call_status"
	TypeError        = "error"
	TypePong         = "pong"
)

// TypeDisconnect is never sent on the wire. The client connection manager
// raises it locally when the transport goes away.
const TypeDisconnect = "disconnect"

// Call status values carried by call_response and call_status.
const (
	CallAccepted = "accepted"
	CallDeclined = "declined"
	CallTimeout  = "timeout"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinConversationMsg asks the gateway to add the connection to a
// conversation room.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationMsg is accepted for symmetry. Membership ends when the
// connection goes away.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg carries a chat message. ClientKey is generated by the
// sender and echoed back on the stored message.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ClientKey      string `json:"client_key,omitempty"`
}

// JoinCallRoomMsg joins a call room created through the REST API.
type JoinCallRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveCallRoomMsg leaves a call room.
type LeaveCallRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// CallResponseMsg accepts or declines a ringing call.
type CallResponseMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Status string `json:"status"`
}

// SignalMsg is an offer, answer or ICE candidate. To is set by the sender,
// From by the gateway. Description and Candidate are opaque to the gateway.
type SignalMsg struct {
	Type        string          `json:"type"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	RoomID      string          `json:"room_id,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg is the first frame on every connection.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// ChatMessage is the authoritative form of a stored chat message.
type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	SenderRole     string `json:"sender_role,omitempty"`
	Content        string `json:"content"`
	ClientKey      string `json:"client_key,omitempty"`
	CreatedAt      int64  `json:"created_at"` // unix millis
}

// NewMessageMsg delivers a stored chat message to every room member,
// including the sender.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// MessagesReadMsg is the read receipt broadcast to a conversation.
type MessagesReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	LastMessageID  string `json:"last_message_id"`
}

// Occupant is one connection present in a call room.
type Occupant struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// CallRoomInfoMsg answers join_call_room with the other occupants.
type CallRoomInfoMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id"`
	Occupants []Occupant `json:"occupants"`
}

// PeerEventMsg is used for both user_joined and user_left.
type PeerEventMsg struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// CallStatusMsg reports accepted, declined or timeout for a call room.
type CallStatusMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	Status string `json:"status"`
	By     string `json:"by,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// An error is returned for unknown or server-only types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinCallRoom:
		var m JoinCallRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveCallRoom:
		var m LeaveCallRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallResponse:
		var m CallResponseMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage extracts the type of a server frame and returns the raw
// bytes for the caller to decode. Clients decode lazily because handlers are
// registered per event type.
func ParseServerMessage(data []byte) (string, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	return env.Type, env.Raw, nil
}

// NewMessage creates the JSON bytes for an event. The msgType is injected
// into the payload under the "type" key, so callers can leave the struct's
// Type field empty.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}

	typeRaw, _ := json.Marshal(msgType)
	m["type"] = typeRaw

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// NewServerMessage is NewMessage for server-originated events.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewMessage(msgType, payload)
}
