// Package conversation provides PostgreSQL-backed storage for doctor-patient
// conversations and their messages. Messages are idempotent per sender and
// client key, so a resent send_message never produces a second row.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/medilink/realtime/internal/protocol"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var (
	ErrNotFound        = errors.New("conversation: not found")
	ErrNotParticipant  = errors.New("conversation: not a participant")
	ErrMessageNotFound = errors.New("conversation: message not found")
)

// Conversation pairs one doctor with one patient.
type Conversation struct {
	ID        string    `json:"id"`
	DoctorID  string    `json:"doctor_id"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is the doctor or the patient.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.DoctorID == userID || c.PatientID == userID
}

// Sender identifies the author of a new message.
type Sender struct {
	ID   string
	Name string
	Role string
}

// Page is one page of a conversation's history, oldest first.
type Page struct {
	Messages []protocol.ChatMessage `json:"data"`
	Total    int                    `json:"total"`
}

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with lib/pq and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("conversation: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the conversation between doctorID and patientID,
// creating it if it does not exist.
func (s *Store) GetOrCreate(ctx context.Context, doctorID, patientID string) (*Conversation, error) {
	if doctorID == "" || patientID == "" {
		return nil, fmt.Errorf("conversation: doctor and patient are required")
	}

	const insert = `
		INSERT INTO conversations (id, doctor_id, patient_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (doctor_id, patient_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, uuid.New().String(), doctorID, patientID); err != nil {
		return nil, fmt.Errorf("conversation: insert: %w", err)
	}

	const query = `
		SELECT id, doctor_id, patient_id, created_at
		FROM conversations
		WHERE doctor_id = $1 AND patient_id = $2`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, doctorID, patientID).
		Scan(&c.ID, &c.DoctorID, &c.PatientID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("conversation: get or create: %w", err)
	}
	return &c, nil
}

// Get returns a conversation by id.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id, doctor_id, patient_id, created_at
		FROM conversations
		WHERE id = $1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.DoctorID, &c.PatientID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return &c, nil
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	c, err := s.Get(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.HasParticipant(userID), nil
}

// CreateMessage stores a message and returns its authoritative form. If the
// sender already stored a message with the same client key, the stored row is
// returned with duplicate set and nothing is inserted.
func (s *Store) CreateMessage(ctx context.Context, conversationID string, sender Sender, content, clientKey string) (msg protocol.ChatMessage, duplicate bool, err error) {
	var key sql.NullString
	if clientKey != "" {
		key = sql.NullString{String: clientKey, Valid: true}
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_role, content, client_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sender_id, client_key) WHERE client_key IS NOT NULL DO NOTHING
		RETURNING id, created_at`

	var (
		id        string
		createdAt time.Time
	)
	err = s.db.QueryRowContext(ctx, insert,
		uuid.New().String(),
		conversationID,
		sender.ID,
		sender.Name,
		sender.Role,
		content,
		key,
	).Scan(&id, &createdAt)

	switch {
	case err == nil:
		return protocol.ChatMessage{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       sender.ID,
			SenderName:     sender.Name,
			SenderRole:     sender.Role,
			Content:        content,
			ClientKey:      clientKey,
			CreatedAt:      createdAt.UnixMilli(),
		}, false, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.messageByClientKey(ctx, sender.ID, clientKey)
		if err != nil {
			return protocol.ChatMessage{}, false, err
		}
		return existing, true, nil
	default:
		return protocol.ChatMessage{}, false, fmt.Errorf("conversation: insert message: %w", err)
	}
}

func (s *Store) messageByClientKey(ctx context.Context, senderID, clientKey string) (protocol.ChatMessage, error) {
	const query = `
		SELECT id, conversation_id, sender_id, sender_name, sender_role, content, client_key, created_at
		FROM messages
		WHERE sender_id = $1 AND client_key = $2`

	row := s.db.QueryRowContext(ctx, query, senderID, clientKey)
	msg, err := scanMessage(row)
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("conversation: lookup by client key: %w", err)
	}
	return msg, nil
}

// ListMessages returns page (1 = newest) of the conversation's history in
// chronological order, plus the total number of messages.
func (s *Store) ListMessages(ctx context.Context, conversationID string, page, limit int) (*Page, error) {
	page, limit = normalizePage(page, limit)

	var total int
	const count = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`
	if err := s.db.QueryRowContext(ctx, count, conversationID).Scan(&total); err != nil {
		return nil, fmt.Errorf("conversation: count messages: %w", err)
	}

	const query = `
		SELECT id, conversation_id, sender_id, sender_name, sender_role, content, client_key, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]protocol.ChatMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return &Page{Messages: msgs, Total: total}, nil
}

// MarkRead marks every message the other participant sent up to and
// including lastMessageID as read by readerID. It returns the number of
// messages that changed; marking the same range twice returns 0.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID, lastMessageID string) (int64, error) {
	if _, err := uuid.Parse(lastMessageID); err != nil {
		return 0, ErrMessageNotFound
	}

	var lastCreated time.Time
	const lookup = `SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2`
	err := s.db.QueryRowContext(ctx, lookup, lastMessageID, conversationID).Scan(&lastCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("conversation: mark read: %w", err)
	}

	const update = `
		UPDATE messages
		SET read_at = NOW()
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND read_at IS NULL
		  AND created_at <= $3`

	res, err := s.db.ExecContext(ctx, update, conversationID, readerID, lastCreated)
	if err != nil {
		return 0, fmt.Errorf("conversation: mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (protocol.ChatMessage, error) {
	var (
		msg       protocol.ChatMessage
		clientKey sql.NullString
		createdAt time.Time
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName,
		&msg.SenderRole, &msg.Content, &clientKey, &createdAt)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	msg.ClientKey = clientKey.String
	msg.CreatedAt = createdAt.UnixMilli()
	return msg, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
