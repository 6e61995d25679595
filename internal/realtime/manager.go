// Package realtime owns the single authenticated WebSocket connection of a
// client session. Components talk to the gateway through Emit and On; they
// never see the transport.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/medilink/realtime/internal/protocol"
)

var (
	// ErrNoToken is returned by Connect when no token is available.
	ErrNoToken = errors.New("realtime: no auth token")

	// ErrNotConnected is returned by Emit without a live connection.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Config holds connection manager settings.
type Config struct {
	URL            string        // ws://host:port/ws
	ConnectTimeout time.Duration // dial plus the wait for "connected"
	WriteTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Conn is what components need from the connection: send, subscribe and the
// gateway-assigned connection id. *Manager implements it.
type Conn interface {
	Emit(event string, payload interface{}) error
	On(event string, handler Handler) Subscription
	ConnectionID() string
}

// Handler receives the raw frame of one event. For the disconnect
// pseudo-event raw is nil.
type Handler func(raw json.RawMessage)

// Manager holds at most one live connection. Handlers registered with On run
// one at a time on the connection's read goroutine, in arrival order.
type Manager struct {
	cfg Config

	mu   sync.Mutex // guards link, serializes Connect/Close
	link *link

	hmu      sync.RWMutex
	handlers map[string][]*subscription
	nextID   uint64
}

var _ Conn = (*Manager)(nil)

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		handlers: make(map[string][]*subscription),
	}
}

// link is one transport connection.
type link struct {
	token        string
	connectionID string
	userID       string

	conn    net.Conn
	rd      *wsutil.Reader
	writeMu sync.Mutex

	closing atomic.Bool
	done    chan struct{}
}

// Connect establishes the connection for token. If a connection for the same
// token is already live it returns immediately; a connection for another
// token is closed first. Connect returns once the gateway has sent
// "connected".
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.link; l != nil {
		if l.token == token && l.alive() {
			return nil
		}
		m.teardown(l)
		m.link = nil
	}

	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	l, err := m.dial(ctx, token)
	if err != nil {
		log.Printf("[realtime] connect failed: %v", err)
		return err
	}
	m.link = l

	go m.readLoop(l)

	log.Printf("[realtime] connected as %s (user=%s)", l.connectionID, l.userID)
	return nil
}

func (m *Manager) dial(ctx context.Context, token string) (*link, error) {
	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"Authorization": {"Bearer " + token}}),
	}
	conn, br, _, err := d.Dial(ctx, m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", m.cfg.URL, err)
	}

	var src io.Reader = conn
	if br != nil {
		src = br
	}

	l := &link{
		token: token,
		conn:  conn,
		done:  make(chan struct{}),
	}
	l.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: l.handleControl,
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	data, err := l.readText()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("realtime: waiting for connected: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	typ, raw, err := protocol.ParseServerMessage(data)
	if err != nil || typ != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("realtime: expected %q as first frame, got %q", protocol.TypeConnected, data)
	}
	var hello protocol.ConnectedMsg
	if err := json.Unmarshal(raw, &hello); err != nil || hello.ConnectionID == "" {
		conn.Close()
		return nil, fmt.Errorf("realtime: bad connected frame: %s", data)
	}
	l.connectionID = hello.ConnectionID
	l.userID = hello.UserID

	return l, nil
}

// readText returns the next text frame, answering control frames in between.
func (l *link) readText() ([]byte, error) {
	for {
		hdr, err := l.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := l.rd.OnIntermediate(hdr, l.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := l.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(l.rd)
	}
}

// handleControl answers pings and close frames under the write lock so the
// replies never interleave with Emit.
func (l *link) handleControl(hdr ws.Header, r io.Reader) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return wsutil.ControlFrameHandler(l.conn, ws.StateClientSide)(hdr, r)
}

func (l *link) alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (m *Manager) readLoop(l *link) {
	defer func() {
		l.conn.Close()
		close(l.done)

		if l.closing.Load() {
			return
		}

		m.mu.Lock()
		current := m.link == l
		if current {
			m.link = nil
		}
		m.mu.Unlock()

		// A replaced link going away says nothing about the live one.
		if !current {
			log.Printf("[realtime] stale connection %s gone", l.connectionID)
			return
		}
		log.Printf("[realtime] connection %s lost", l.connectionID)
		m.dispatch(protocol.TypeDisconnect, nil)
	}()

	for {
		data, err := l.readText()
		if err != nil {
			if !l.closing.Load() && !errors.Is(err, io.EOF) {
				log.Printf("[realtime] read error on %s: %v", l.connectionID, err)
			}
			return
		}

		typ, raw, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[realtime] dropping unparseable frame: %v", err)
			continue
		}
		m.dispatch(typ, raw)
	}
}

// teardown closes l without raising the disconnect event. Caller holds m.mu.
func (m *Manager) teardown(l *link) {
	l.closing.Store(true)

	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(l.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	l.writeMu.Unlock()

	l.conn.Close()
	log.Printf("[realtime] closed connection %s", l.connectionID)
}

// Close tears down the current connection, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link != nil {
		m.teardown(m.link)
		m.link = nil
	}
}

// Connected reports whether a connection is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil && m.link.alive()
}

// ConnectionID returns the gateway-assigned id of the live connection, or ""
// when disconnected.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.connectionID
}

// UserID returns the user the live connection is authenticated as.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return ""
	}
	return m.link.userID
}

// Emit sends one event. payload is any JSON-encodable struct; its "type"
// field is set to event.
func (m *Manager) Emit(event string, payload interface{}) error {
	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil || !l.alive() {
		return ErrNotConnected
	}

	data, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if m.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := wsutil.WriteClientText(l.conn, data); err != nil {
		log.Printf("[realtime] emit %s on %s: %v", event, l.connectionID, err)
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	return nil
}

// Subscription is a registered handler. Unsubscribe is safe to call more
// than once.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	m       *Manager
	event   string
	id      uint64
	handler Handler
	once    sync.Once
}

// On registers handler for event. Use protocol.TypeDisconnect to learn about
// transport loss.
func (m *Manager) On(event string, handler Handler) Subscription {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.nextID++
	sub := &subscription{m: m, event: event, id: m.nextID, handler: handler}
	m.handlers[event] = append(m.handlers[event], sub)
	return sub
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.m.hmu.Lock()
		defer s.m.hmu.Unlock()
		subs := s.m.handlers[s.event]
		for i, other := range subs {
			if other.id == s.id {
				s.m.handlers[s.event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(s.m.handlers[s.event]) == 0 {
			delete(s.m.handlers, s.event)
		}
	})
}

func (m *Manager) dispatch(event string, raw json.RawMessage) {
	m.hmu.RLock()
	subs := make([]*subscription, len(m.handlers[event]))
	copy(subs, m.handlers[event])
	m.hmu.RUnlock()

	for _, sub := range subs {
		sub.handler(raw)
	}
}
