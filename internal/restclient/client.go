// Package restclient calls the gateway's REST API on behalf of the logged-in
// user. Every request carries the session's bearer token; failures come back
// as *APIError with the server's message when one could be extracted.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/medilink/realtime/internal/protocol"
	"github.com/medilink/realtime/internal/usersession"
)

// ErrUnauthorized is matched by errors.Is for 401 responses.
var ErrUnauthorized = errors.New("restclient: unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("restclient: %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Conversation mirrors the server's conversation resource.
type Conversation struct {
	ID        string `json:"id"`
	DoctorID  string `json:"doctor_id"`
	PatientID string `json:"patient_id"`
}

// CallRoom mirrors the server's call room resource.
type CallRoom struct {
	ID            string              `json:"room_id"`
	AppointmentID string              `json:"appointment_id"`
	Occupants     []protocol.Occupant `json:"occupants"`
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []protocol.ChatMessage
	Total    int
}

// Client is a REST client bound to one session.
type Client struct {
	baseURL string
	session *usersession.Session
	http    *http.Client
}

// New creates a Client. httpClient may be nil.
func New(baseURL string, session *usersession.Session, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		http:    httpClient,
	}
}

// CreateConversation returns the conversation between doctorID and patientID.
func (c *Client) CreateConversation(ctx context.Context, doctorID, patientID string) (*Conversation, error) {
	var out Conversation
	body := map[string]string{"doctor_id": doctorID, "patient_id": patientID}
	if _, err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages loads page (1 = newest) of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var msgs []protocol.ChatMessage
	total, err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: msgs, Total: total}, nil
}

// MarkRead marks the conversation read up to lastMessageID.
func (c *Client) MarkRead(ctx context.Context, conversationID, lastMessageID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.do(ctx, http.MethodPost, path, map[string]string{"last_message_id": lastMessageID}, nil)
	return err
}

// CreateCallRoom returns the call room of an appointment, creating it if
// needed.
func (c *Client) CreateCallRoom(ctx context.Context, appointmentID string) (*CallRoom, error) {
	var out CallRoom
	if _, err := c.do(ctx, http.MethodPost, "/api/call-rooms", map[string]string{"appointment_id": appointmentID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCallRoom fetches a call room and its occupants.
func (c *Client) GetCallRoom(ctx context.Context, roomID string) (*CallRoom, error) {
	var out CallRoom
	if _, err := c.do(ctx, http.MethodGet, "/api/call-rooms/"+url.PathEscape(roomID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request and decodes the envelope's data into out. It returns
// the envelope's total (0 when absent).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	if !c.session.Valid() {
		return 0, ErrUnauthorized
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("restclient: encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("restclient: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("restclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("restclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}

	var env struct {
		Data  json.RawMessage `json:"data"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return 0, fmt.Errorf("restclient: decode envelope: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return 0, fmt.Errorf("restclient: decode data: %w", err)
		}
	}
	return env.Total, nil
}

// errorMessage pulls a human readable message out of an error body. It
// understands {"error": "..."} and {"message": "..."} and falls back to the
// status text.
func errorMessage(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return http.StatusText(status)
}
