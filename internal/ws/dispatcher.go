package ws

import (
	"log"

	"github.com/medilink/realtime/internal/metrics"
	"github.com/medilink/realtime/internal/protocol"
)

// MessageHandler handles one parsed client event. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by event type. ping is
// answered internally; malformed frames and unknown types get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a dispatcher. The server may be attached later
// with SetServer, since NewServer needs Dispatch as its callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer attaches the server used to write replies.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		conn.Touch()
		d.Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Reply sends one event to conn, logging failures.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := d.write(conn, data); err != nil {
		log.Printf("ws: failed to send %s conn=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends an error frame to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) write(conn *Connection, data []byte) error {
	if d.server != nil {
		return d.server.Send(conn, data)
	}
	return conn.WriteMessage(data)
}
