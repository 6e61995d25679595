// Package messaging provides a NATS client wrapper for fanning real-time
// events out across gateway instances. Conversation rooms, call rooms and
// single connections each map to a subject; a connection's subscriptions are
// keyed so they can be released together when it disconnects.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject prefixes used by the gateway.
const (
	SubjectConversation = "conversation" // + .<conversation_id>
	SubjectCallRoom     = "callroom"     // + .<room_id>
	SubjectConnection   = "conn"         // + .<connection_id> (direct signaling)
)

// RoomEvent is the payload carried on every subject. Data is a complete
// server frame; Exclude names a connection that must not receive it.
type RoomEvent struct {
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "medilink-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// ConversationSubject returns the subject of a conversation room.
func ConversationSubject(conversationID string) string {
	return SubjectConversation + "." + conversationID
}

// CallRoomSubject returns the subject of a call room.
func CallRoomSubject(roomID string) string {
	return SubjectCallRoom + "." + roomID
}

// ConnectionSubject returns the direct subject of one connection.
func ConnectionSubject(connID string) string {
	return SubjectConnection + "." + connID
}

// SubscriptionKey builds the key under which a connection's subscription to
// a scope (conversation, callroom, conn) is stored.
func SubscriptionKey(connID, scope, id string) string {
	return connID + ":" + scope + ":" + id
}

// Publish sends raw data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishEvent wraps frame in a RoomEvent and publishes it.
func (c *NATSClient) PublishEvent(subject string, frame []byte, exclude string) error {
	data, err := json.Marshal(RoomEvent{Exclude: exclude, Data: frame})
	if err != nil {
		return fmt.Errorf("nats: marshal room event: %w", err)
	}
	return c.Publish(subject, data)
}

// SubscribeKeyed subscribes handler to subject under key. If key is already
// subscribed it returns false and leaves the existing subscription alone,
// which makes repeated joins harmless.
func (c *NATSClient) SubscribeKeyed(key, subject string, handler func(ev RoomEvent)) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[key]; ok {
		return false, nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad room event on %s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return false, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[key] = sub
	return true, nil
}

// Unsubscribe removes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// UnsubscribeAll releases every subscription owned by connID and returns
// how many were removed.
func (c *NATSClient) UnsubscribeAll(connID string) int {
	prefix := connID + ":"

	c.mu.Lock()
	var owned []*nats.Subscription
	for key, sub := range c.subs {
		if strings.HasPrefix(key, prefix) {
			owned = append(owned, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range owned {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s for %s: %v", sub.Subject, connID, err)
		}
	}
	return len(owned)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
