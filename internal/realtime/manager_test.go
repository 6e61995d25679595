package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/medilink/realtime/internal/protocol"
)

// fakeGateway accepts any non-empty bearer token and tracks live connections.
type fakeGateway struct {
	mu       sync.Mutex
	dials    int
	live     map[string]string // connection id -> token
	conns    map[string]net.Conn
	received chan []byte
}

func newFakeGateway(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	g := &fakeGateway{
		live:     make(map[string]string),
		conns:    make(map[string]net.Conn),
		received: make(chan []byte, 16),
	}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	id := uuid.New().String()
	g.mu.Lock()
	g.dials++
	g.live[id] = token
	g.conns[id] = conn
	g.mu.Unlock()

	hello, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{ConnectionID: id, UserID: "user-" + token})
	wsutil.WriteServerText(conn, hello)

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.live, id)
			delete(g.conns, id)
			g.mu.Unlock()
			conn.Close()
		}()
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if op == ws.OpText {
				g.received <- data
			}
		}
	}()
}

func (g *fakeGateway) push(t *testing.T, connID string, frame []byte) {
	t.Helper()
	g.mu.Lock()
	conn := g.conns[connID]
	g.mu.Unlock()
	if conn == nil {
		t.Fatalf("no connection %s", connID)
	}
	if err := wsutil.WriteServerText(conn, frame); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (g *fakeGateway) kick(connID string) {
	g.mu.Lock()
	conn := g.conns[connID]
	g.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (g *fakeGateway) snapshot() (int, map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	live := make(map[string]string, len(g.live))
	for k, v := range g.live {
		live[k] = v
	}
	return g.dials, live
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnect_NoToken(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))

	if err := m.Connect(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect(\"\") error = %v, want ErrNoToken", err)
	}
	if dials, _ := g.snapshot(); dials != 0 {
		t.Errorf("dials = %d, want 0", dials)
	}
	if m.Connected() {
		t.Error("Connected() = true without a token")
	}
}

func TestConnect_NewTokenReplacesConnection(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))
	defer m.Close()

	if err := m.Connect(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Connect(tok-a) error: %v", err)
	}
	first := m.ConnectionID()

	if err := m.Connect(context.Background(), "tok-b"); err != nil {
		t.Fatalf("Connect(tok-b) error: %v", err)
	}

	waitFor(t, "old connection to close", func() bool {
		_, live := g.snapshot()
		return len(live) == 1
	})

	_, live := g.snapshot()
	for id, token := range live {
		if token != "tok-b" {
			t.Errorf("live connection authenticated with %q, want tok-b", token)
		}
		if id != m.ConnectionID() {
			t.Errorf("ConnectionID() = %q, live = %q", m.ConnectionID(), id)
		}
	}
	if m.ConnectionID() == first {
		t.Error("connection id did not change")
	}
	if m.UserID() != "user-tok-b" {
		t.Errorf("UserID() = %q", m.UserID())
	}
}

func TestConnect_SameTokenIsNoop(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))
	defer m.Close()

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background(), "tok-a"); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
	}
	if dials, _ := g.snapshot(); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestEmitAndOn(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))
	defer m.Close()

	if err := m.Emit(protocol.TypePing, protocol.PingMsg{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit() before Connect error = %v, want ErrNotConnected", err)
	}
	if err := m.Connect(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := m.Emit(protocol.TypeJoinConversation, protocol.JoinConversationMsg{ConversationID: "c1"}); err != nil {
		t.Fatalf("Emit() error: %v", err)
	}
	select {
	case data := <-g.received:
		var got protocol.JoinConversationMsg
		json.Unmarshal(data, &got)
		if got.Type != protocol.TypeJoinConversation || got.ConversationID != "c1" {
			t.Errorf("gateway received %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("gateway received nothing")
	}

	got := make(chan string, 4)
	sub := m.On(protocol.TypeNewMessage, func(raw json.RawMessage) {
		var msg protocol.NewMessageMsg
		json.Unmarshal(raw, &msg)
		got <- msg.Message.Content
	})

	frame, _ := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: protocol.ChatMessage{ID: "m1", Content: "Hello"}})
	g.push(t, m.ConnectionID(), frame)

	select {
	case content := <-got:
		if content != "Hello" {
			t.Errorf("content = %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	m.hmu.RLock()
	left := len(m.handlers[protocol.TypeNewMessage])
	m.hmu.RUnlock()
	if left != 0 {
		t.Errorf("%d handlers left after Unsubscribe", left)
	}

	g.push(t, m.ConnectionID(), frame)
	// A ping round trip proves the second frame was processed.
	pong := make(chan struct{}, 1)
	m.On(protocol.TypePong, func(json.RawMessage) { pong <- struct{}{} })
	pongFrame, _ := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	g.push(t, m.ConnectionID(), pongFrame)
	<-pong

	select {
	case content := <-got:
		t.Errorf("unsubscribed handler received %q", content)
	default:
	}
}

func TestDisconnectEvent(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))

	if err := m.Connect(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	lost := make(chan struct{}, 1)
	m.On(protocol.TypeDisconnect, func(raw json.RawMessage) {
		if raw != nil {
			t.Errorf("disconnect payload = %s", raw)
		}
		lost <- struct{}{}
	})

	g.kick(m.ConnectionID())

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not raised")
	}
	if m.Connected() {
		t.Error("Connected() = true after transport loss")
	}
	if err := m.Emit(protocol.TypePing, protocol.PingMsg{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectEvent_StaleLinkIsSilent(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))

	if err := m.Connect(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	lost := make(chan struct{}, 1)
	m.On(protocol.TypeDisconnect, func(json.RawMessage) { lost <- struct{}{} })

	// Swap in a new link while the old one dies, so its read loop finds
	// itself replaced.
	m.mu.Lock()
	old := m.link
	g.kick(old.connectionID)
	waitFor(t, "old read loop to stop", func() bool { return !old.alive() })

	fresh, err := m.dial(context.Background(), "tok-b")
	if err != nil {
		m.mu.Unlock()
		t.Fatalf("dial() error: %v", err)
	}
	m.link = fresh
	go m.readLoop(fresh)
	m.mu.Unlock()

	select {
	case <-lost:
		t.Error("disconnect raised for a replaced connection")
	case <-time.After(100 * time.Millisecond):
	}
	if !m.Connected() || m.ConnectionID() != fresh.connectionID {
		t.Errorf("Connected() = %v, ConnectionID() = %q, want live %q", m.Connected(), m.ConnectionID(), fresh.connectionID)
	}
	m.Close()
}

func TestClose_DoesNotRaiseDisconnect(t *testing.T) {
	g, url := newFakeGateway(t)
	m := NewManager(DefaultConfig(url))

	if err := m.Connect(context.Background(), "tok-a"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	lost := make(chan struct{}, 1)
	m.On(protocol.TypeDisconnect, func(json.RawMessage) { lost <- struct{}{} })

	m.Close()
	m.Close()

	waitFor(t, "gateway to drop the connection", func() bool {
		_, live := g.snapshot()
		return len(live) == 0
	})
	select {
	case <-lost:
		t.Error("disconnect raised for an intentional close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(DefaultConfig("ws" + strings.TrimPrefix(srv.URL, "http")))
	if err := m.Connect(context.Background(), "bad"); err == nil {
		t.Fatal("Connect() succeeded against a rejecting gateway")
	}
	if m.Connected() {
		t.Error("Connected() = true after rejection")
	}
}
