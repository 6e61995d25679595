package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medilink/realtime/internal/auth"
	"github.com/medilink/realtime/internal/callroom"
	"github.com/medilink/realtime/internal/conversation"
	"github.com/medilink/realtime/internal/protocol"
)

type headerAuth struct{}

// Authenticate treats the bearer token as "<user>:<role>".
func (headerAuth) Authenticate(r *http.Request) (*auth.Claims, error) {
	tok := auth.TokenFromRequest(r)
	user, role, ok := strings.Cut(tok, ":")
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{UserID: user, Role: role}, nil
}

type fakeConversations struct {
	conv     *conversation.Conversation
	messages []protocol.ChatMessage
	marked   int64
	readBy   string
}

func (f *fakeConversations) GetOrCreate(_ context.Context, doctorID, patientID string) (*conversation.Conversation, error) {
	return &conversation.Conversation{ID: "conv-1", DoctorID: doctorID, PatientID: patientID}, nil
}

func (f *fakeConversations) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	if f.conv == nil || f.conv.ID != id {
		return nil, conversation.ErrNotFound
	}
	return f.conv, nil
}

func (f *fakeConversations) ListMessages(_ context.Context, _ string, page, limit int) (*conversation.Page, error) {
	return &conversation.Page{Messages: f.messages, Total: 42}, nil
}

func (f *fakeConversations) MarkRead(_ context.Context, _, readerID, lastID string) (int64, error) {
	if lastID == "missing" {
		return 0, conversation.ErrMessageNotFound
	}
	f.readBy = readerID
	return f.marked, nil
}

type fakeRooms struct{}

func (fakeRooms) Create(_ context.Context, appointmentID string) (*callroom.Room, error) {
	return &callroom.Room{ID: "room-" + appointmentID, AppointmentID: appointmentID, Occupants: []protocol.Occupant{}}, nil
}

func (fakeRooms) Info(_ context.Context, roomID string) (*callroom.Room, error) {
	if roomID != "room-apt-1" {
		return nil, callroom.ErrNotFound
	}
	return &callroom.Room{ID: roomID, Occupants: []protocol.Occupant{{ConnectionID: "c1", UserID: "doctor-1"}}}, nil
}

type recordBroadcast struct {
	frames [][]byte
}

func (b *recordBroadcast) BroadcastConversation(_ string, frame []byte) error {
	b.frames = append(b.frames, frame)
	return nil
}

func newTestAPI() (*http.ServeMux, *fakeConversations, *recordBroadcast) {
	convs := &fakeConversations{
		conv:     &conversation.Conversation{ID: "conv-1", DoctorID: "doctor-1", PatientID: "patient-1"},
		messages: []protocol.ChatMessage{{ID: "m1", Content: "hi"}},
		marked:   2,
	}
	bc := &recordBroadcast{}
	mux := http.NewServeMux()
	NewHandler(headerAuth{}, convs, fakeRooms{}, bc).Register(mux)
	return mux, convs, bc
}

func do(mux http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Status(t *testing.T) {
	mux, _, _ := newTestAPI()

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"no token", "GET", "/api/conversations/conv-1/messages", "", "", http.StatusUnauthorized},
		{"participant lists", "GET", "/api/conversations/conv-1/messages?page=1&limit=20", "patient-1:patient", "", http.StatusOK},
		{"stranger lists", "GET", "/api/conversations/conv-1/messages", "other:patient", "", http.StatusForbidden},
		{"admin lists", "GET", "/api/conversations/conv-1/messages", "root:admin", "", http.StatusOK},
		{"unknown conversation", "GET", "/api/conversations/nope/messages", "patient-1:patient", "", http.StatusNotFound},
		{"create conversation", "POST", "/api/conversations", "doctor-1:doctor", `{"doctor_id":"doctor-1","patient_id":"patient-9"}`, http.StatusOK},
		{"create for others", "POST", "/api/conversations", "x:patient", `{"doctor_id":"doctor-1","patient_id":"patient-9"}`, http.StatusForbidden},
		{"create missing ids", "POST", "/api/conversations", "doctor-1:doctor", `{}`, http.StatusBadRequest},
		{"bad json", "POST", "/api/conversations", "doctor-1:doctor", `{`, http.StatusBadRequest},
		{"mark read unknown message", "POST", "/api/conversations/conv-1/read", "patient-1:patient", `{"last_message_id":"missing"}`, http.StatusNotFound},
		{"mark read no id", "POST", "/api/conversations/conv-1/read", "patient-1:patient", `{}`, http.StatusBadRequest},
		{"create call room", "POST", "/api/call-rooms", "doctor-1:doctor", `{"appointment_id":"apt-1"}`, http.StatusOK},
		{"create call room no appointment", "POST", "/api/call-rooms", "doctor-1:doctor", `{}`, http.StatusBadRequest},
		{"call room info", "GET", "/api/call-rooms/room-apt-1", "doctor-1:doctor", "", http.StatusOK},
		{"unknown call room", "GET", "/api/call-rooms/none", "doctor-1:doctor", "", http.StatusNotFound},
		{"wrong method", "DELETE", "/api/call-rooms/room-apt-1", "doctor-1:doctor", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(mux, tt.method, tt.path, tt.token, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestListMessages_Envelope(t *testing.T) {
	mux, _, _ := newTestAPI()

	rec := do(mux, "GET", "/api/conversations/conv-1/messages", "doctor-1:doctor", "")

	var body struct {
		Data  []protocol.ChatMessage `json:"data"`
		Total int                    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 42 || len(body.Data) != 1 || body.Data[0].ID != "m1" {
		t.Errorf("unexpected envelope: %+v", body)
	}
}

func TestErrorBody(t *testing.T) {
	mux, _, _ := newTestAPI()

	rec := do(mux, "GET", "/api/call-rooms/none", "doctor-1:doctor", "")

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "call room not found" {
		t.Errorf("error body = %v", body)
	}
}

func TestMarkRead_BroadcastsReceipt(t *testing.T) {
	mux, convs, bc := newTestAPI()

	rec := do(mux, "POST", "/api/conversations/conv-1/read", "patient-1:patient", `{"last_message_id":"m9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if convs.readBy != "patient-1" {
		t.Errorf("reader = %q, want caller", convs.readBy)
	}
	if len(bc.frames) != 1 {
		t.Fatalf("broadcast %d frames, want 1", len(bc.frames))
	}

	typ, raw, err := protocol.ParseServerMessage(bc.frames[0])
	if err != nil || typ != protocol.TypeMessagesRead {
		t.Fatalf("frame = %s, err %v", bc.frames[0], err)
	}
	var receipt protocol.MessagesReadMsg
	json.Unmarshal(raw, &receipt)
	if receipt.ReaderID != "patient-1" || receipt.LastMessageID != "m9" || receipt.ConversationID != "conv-1" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	// Nothing changed the second time, so nothing is broadcast.
	convs.marked = 0
	do(mux, "POST", "/api/conversations/conv-1/read", "patient-1:patient", `{"last_message_id":"m9"}`)
	if len(bc.frames) != 1 {
		t.Errorf("repeat mark broadcast again (%d frames)", len(bc.frames))
	}
}
