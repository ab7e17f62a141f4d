package collaboration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"collab-engine/internal/middleware"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: the same origin allow-list the HTTP API uses for CORS

Every socket gets two goroutines. ReadPump owns the protocol state and feeds
the MessageHandler; WritePump drains the client's send buffer. Everything else
in the engine only ever touches the buffer, never the socket.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 8 << 20
	sendBufferSize = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsClient is one websocket connection. It implements pool.Conn.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues msg without blocking. A full buffer means the client is too
// slow or gone, which callers count as a send failure.
func (c *wsClient) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WebSocketHandler upgrades collaboration connections
type WebSocketHandler struct {
	messages *MessageHandler
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler that accepts sockets
// from allowedOrigins.
func NewWebSocketHandler(messages *MessageHandler, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if middleware.OriginAllowed(allowedOrigins, origin) {
					return true
				}
				log.Warn("⚠️  Rejected WebSocket origin", "origin", origin, "remote", r.RemoteAddr)
				return false
			},
		},
	}
}

// HandleSession upgrades the request and serves the collaboration protocol.
// The first message on the socket must be a join.
func (h *WebSocketHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("❌ Failed to upgrade WebSocket", "err", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	client := newWSClient(conn)
	state := &Connection{Conn: client}

	// Learning: Separate goroutines prevent deadlock between reading and writing
	pumpCtx := context.WithoutCancel(ctx)
	go h.WritePump(client)
	go h.ReadPump(pumpCtx, client, state)

	log.Info("✓ WebSocket connection established", "remote", r.RemoteAddr, "request_id", middleware.GetRequestID(ctx))
}

// ReadPump reads messages from the WebSocket connection
// Learning: Each connection has its own goroutine reading from the WebSocket
func (h *WebSocketHandler) ReadPump(ctx context.Context, client *wsClient, state *Connection) {
	defer func() {
		h.messages.Disconnect(state)
		client.close()
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("⚠️  WebSocket error", "client", state.ClientID, "err", err)
			}
			break
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", state.SessionID),
			attribute.String("client.id", state.ClientID),
			attribute.Int("message.size", len(message)),
		)
		h.messages.Handle(msgCtx, state, message)
		span.End()
	}

	log.Info("  WebSocket connection closed", "session", state.SessionID, "client", state.ClientID)
}

// WritePump writes messages to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (h *WebSocketHandler) WritePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever queued up meanwhile; each JSON message keeps its own frame.
			n := len(client.send)
			for i := 0; i < n; i++ {
				next, ok := <-client.send
				if !ok {
					return
				}
				if err := client.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
