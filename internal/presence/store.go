package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all presence hashes.
	Prefix = "presence:"

	// TTL is the time-to-live for presence keys in Redis.
	TTL = 1 * time.Hour
)

// Connection is the presence record of one live connection.
type Connection struct {
	ID            string `redis:"id"`
	UserID        string `redis:"user_id"`
	Role          string `redis:"role"`
	Server        string `redis:"server"`        // which gateway instance
	CallRoom      string `redis:"call_room"`     // empty if not in a call
	Conversations string `redis:"conversations"` // comma-separated joined conversations
	CreatedAt     int64  `redis:"created_at"`
	LastActive    int64  `redis:"last_active"`
}

// ConversationIDs splits the joined conversation list.
func (c *Connection) ConversationIDs() []string {
	if c.Conversations == "" {
		return nil
	}
	return strings.Split(c.Conversations, ",")
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new presence record with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, userID, role string) error {
	key := Prefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":            connID,
		"user_id":       userID,
		"role":          role,
		"server":        s.serverName,
		"call_room":     "",
		"conversations": "",
		"created_at":    now,
		"last_active":   now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Connection, error) {
	key := Prefix + connID
	var conn Connection
	if err := s.client.HGetAll(ctx, key).Scan(&conn); err != nil {
		return nil, err
	}
	if conn.ID == "" {
		return nil, nil
	}
	return &conn, nil
}

// AddConversation records that connID joined conversationID. Joining twice
// leaves a single entry.
func (s *Store) AddConversation(ctx context.Context, connID, conversationID string) error {
	conn, err := s.Get(ctx, connID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("presence: connection %s not found", connID)
	}
	for _, id := range conn.ConversationIDs() {
		if id == conversationID {
			return s.Touch(ctx, connID)
		}
	}
	ids := append(conn.ConversationIDs(), conversationID)
	key := Prefix + connID
	return s.client.HSet(ctx, key, "conversations", strings.Join(ids, ","), "last_active", time.Now().Unix()).Err()
}

// SetCallRoom records the call room the connection is in. An empty roomID
// clears it.
func (s *Store) SetCallRoom(ctx context.Context, connID, roomID string) error {
	key := Prefix + connID
	return s.client.HSet(ctx, key, "call_room", roomID, "last_active", time.Now().Unix()).Err()
}

// Touch refreshes last_active and the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := Prefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a presence record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, Prefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
