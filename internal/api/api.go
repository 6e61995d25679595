// Package api serves the small REST surface the real-time layer depends on:
// conversation history, read receipts and call room creation. Every route
// needs a bearer token; responses use a {"data": ..., "total": n} envelope
// and errors a {"error": "..."} body.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/medilink/realtime/internal/auth"
	"github.com/medilink/realtime/internal/callroom"
	"github.com/medilink/realtime/internal/conversation"
	"github.com/medilink/realtime/internal/protocol"
)

// ConversationStore is the part of conversation.Store the API uses.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, doctorID, patientID string) (*conversation.Conversation, error)
	Get(ctx context.Context, id string) (*conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (*conversation.Page, error)
	MarkRead(ctx context.Context, conversationID, readerID, lastMessageID string) (int64, error)
}

// CallRoomStore is the part of callroom.Store the API uses.
type CallRoomStore interface {
	Create(ctx context.Context, appointmentID string) (*callroom.Room, error)
	Info(ctx context.Context, roomID string) (*callroom.Room, error)
}

// Broadcaster delivers a server frame to everyone in a conversation room.
type Broadcaster interface {
	BroadcastConversation(conversationID string, frame []byte) error
}

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

// Handler holds the API dependencies.
type Handler struct {
	auth          Authenticator
	conversations ConversationStore
	rooms         CallRoomStore
	broadcast     Broadcaster
}

// NewHandler creates the API handler.
func NewHandler(authn Authenticator, conversations ConversationStore, rooms CallRoomStore, broadcast Broadcaster) *Handler {
	return &Handler{auth: authn, conversations: conversations, rooms: rooms, broadcast: broadcast}
}

// Envelope is the success body of every route.
type Envelope struct {
	Data  interface{} `json:"data"`
	Total *int        `json:"total,omitempty"`
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	handlePost(mux, "POST /api/conversations", h.authed(h.createConversation))
	handleGet(mux, "GET /api/conversations/{id}/messages", h.authed(h.listMessages))
	handlePost(mux, "POST /api/conversations/{id}/read", h.authed(h.markRead))
	handlePost(mux, "POST /api/call-rooms", h.authed(h.createCallRoom))
	handleGet(mux, "GET /api/call-rooms/{id}", h.authed(h.getCallRoom))
}

type authedFunc func(w http.ResponseWriter, r *http.Request, caller *auth.Claims)

func (h *Handler) authed(fn authedFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		fn(w, r, claims)
	}
}

type createConversationRequest struct {
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request, caller *auth.Claims) {
	var req createConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DoctorID == "" || req.PatientID == "" {
		writeError(w, http.StatusBadRequest, "doctor_id and patient_id are required")
		return
	}
	if caller.UserID != req.DoctorID && caller.UserID != req.PatientID && !isStaff(caller) {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	c, err := h.conversations.GetOrCreate(r.Context(), req.DoctorID, req.PatientID)
	if err != nil {
		log.Printf("[api] create conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "could not create conversation")
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: c})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, caller *auth.Claims) {
	c, ok := h.participantConversation(w, r, caller)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.conversations.ListMessages(r.Context(), c.ID, page, limit)
	if err != nil {
		log.Printf("[api] list messages conversation=%s: %v", c.ID, err)
		writeError(w, http.StatusInternalServerError, "could not load messages")
		return
	}
	total := result.Total
	writeJSON(w, http.StatusOK, Envelope{Data: result.Messages, Total: &total})
}

type markReadRequest struct {
	LastMessageID string `json:"last_message_id"`
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request, caller *auth.Claims) {
	c, ok := h.participantConversation(w, r, caller)
	if !ok {
		return
	}

	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LastMessageID == "" {
		writeError(w, http.StatusBadRequest, "last_message_id is required")
		return
	}

	n, err := h.conversations.MarkRead(r.Context(), c.ID, caller.UserID, req.LastMessageID)
	if errors.Is(err, conversation.ErrMessageNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		log.Printf("[api] mark read conversation=%s: %v", c.ID, err)
		writeError(w, http.StatusInternalServerError, "could not mark messages as read")
		return
	}

	if n > 0 && h.broadcast != nil {
		frame, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
			ConversationID: c.ID,
			ReaderID:       caller.UserID,
			LastMessageID:  req.LastMessageID,
		})
		if err == nil {
			err = h.broadcast.BroadcastConversation(c.ID, frame)
		}
		if err != nil {
			log.Printf("[api] publish messages_read conversation=%s: %v", c.ID, err)
		}
	}

	writeJSON(w, http.StatusOK, Envelope{Data: map[string]int64{"updated": n}})
}

type createCallRoomRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) createCallRoom(w http.ResponseWriter, r *http.Request, caller *auth.Claims) {
	var req createCallRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AppointmentID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id is required")
		return
	}

	room, err := h.rooms.Create(r.Context(), req.AppointmentID)
	if err != nil {
		log.Printf("[api] create call room appointment=%s user=%s: %v", req.AppointmentID, caller.UserID, err)
		writeError(w, http.StatusInternalServerError, "could not create call room")
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: room})
}

func (h *Handler) getCallRoom(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	room, err := h.rooms.Info(r.Context(), r.PathValue("id"))
	if errors.Is(err, callroom.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call room not found")
		return
	}
	if err != nil {
		log.Printf("[api] call room info: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load call room")
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: room})
}

// participantConversation loads the {id} conversation and checks that the
// caller belongs to it.
func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request, caller *auth.Claims) (*conversation.Conversation, bool) {
	c, err := h.conversations.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		log.Printf("[api] get conversation: %v", err)
		writeError(w, http.StatusInternalServerError, "could not load conversation")
		return nil, false
	}
	if !c.HasParticipant(caller.UserID) && !isStaff(caller) {
		writeError(w, http.StatusForbidden, "not a participant")
		return nil, false
	}
	return c, true
}

func isStaff(c *auth.Claims) bool {
	return c.Role == auth.RoleAdmin || c.Role == auth.RoleHospitalAdmin
}
