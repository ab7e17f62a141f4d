package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/middleware"
	"collab-engine/internal/models"
	"collab-engine/internal/pool"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
	"github.com/segmentio/ksuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

// AIAssistant is the shared AI surface the protocol needs.
type AIAssistant interface {
	HandleAIMessage(ctx context.Context, sessionID, clientID, message string) (*models.AIResult, error)
	GetAIContext(sessionID string) (*models.AIContextInfo, error)
}

// Connection is the protocol state of one client socket. It is owned by the
// goroutine reading that socket.
type Connection struct {
	Conn      pool.Conn
	SessionID string
	ClientID  string
}

func (c *Connection) Joined() bool {
	return c.ClientID != ""
}

// MessageHandler turns decoded wire messages into session calls.
type MessageHandler struct {
	sessions *SessionManager
	ai       AIAssistant

	inflight sync.WaitGroup // AI requests still generating
}

// NewMessageHandler wires the protocol to a session manager. ai may be nil,
// in which case AI messages are rejected.
func NewMessageHandler(sessions *SessionManager, ai AIAssistant) *MessageHandler {
	return &MessageHandler{sessions: sessions, ai: ai}
}

// Handle processes one inbound message. Failures are reported to the sender only.
func (h *MessageHandler) Handle(ctx context.Context, c *Connection, raw []byte) {
	defer telemetry.Observe("protocol.handle_message", time.Now())

	err := h.dispatch(ctx, c, raw)
	if err == nil {
		return
	}

	log.Debug("Message rejected", "client", c.ClientID, "code", apperrors.CodeOf(err), "err", err)
	if s, ok := h.joinedSession(c); ok {
		s.SendError(c.ClientID, err)
		return
	}
	sendDirect(c.Conn, models.ErrorReply{
		Type:  models.MessageTypeError,
		Error: err.Error(),
		Code:  string(apperrors.CodeOf(err)),
	})
}

// Disconnect is called once the socket is gone. Joined clients are kept in
// their session as inactive so they can reconnect. Only state still bound to
// c.Conn is touched, since the client may already be back on a new socket.
func (h *MessageHandler) Disconnect(c *Connection) {
	if !c.Joined() {
		return
	}
	if s, ok := h.sessions.GetSession(c.SessionID); ok {
		s.MarkDisconnected(c.ClientID, c.Conn)
	}
	h.sessions.UnregisterConnection(c.ClientID, c.Conn)
}

func (h *MessageHandler) dispatch(ctx context.Context, c *Connection, raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return apperrors.NewMalformedMessage("message is not valid JSON", nil)
	}
	msgType := models.MessageType(gjson.GetBytes(raw, "type").String())
	if msgType == "" {
		return apperrors.NewMalformedMessage("message has no type", nil)
	}

	if !c.Joined() {
		if msgType != models.MessageTypeJoin {
			return apperrors.NewMalformedMessage(fmt.Sprintf("%s before join", msgType), nil)
		}
		return h.join(c, raw)
	}

	s, ok := h.sessions.GetSession(c.SessionID)
	if !ok {
		return apperrors.NewSessionNotFound(c.SessionID)
	}

	// Anything a client sends proves it is alive.
	if msgType != models.MessageTypeLeave {
		if err := s.HandleHeartbeat(c.ClientID); err != nil {
			return err
		}
	}

	switch msgType {
	case models.MessageTypeJoin:
		return apperrors.NewMalformedMessage("already joined", nil)

	case models.MessageTypeEdit:
		var req models.EditRequest
		if err := decode(raw, &req); err != nil {
			return err
		}
		return s.HandleEdit(ctx, c.ClientID, req)

	case models.MessageTypeCursorMove:
		var req models.CursorMoveRequest
		if err := decode(raw, &req); err != nil {
			return err
		}
		return s.HandleCursorMove(c.ClientID, req)

	case models.MessageTypeChat:
		return s.HandleChatMessage(c.ClientID, gjson.GetBytes(raw, "message").String())

	case models.MessageTypeHeartbeat:
		return nil

	case models.MessageTypeOpenFile:
		var req models.OpenFileRequest
		if err := decode(raw, &req); err != nil {
			return err
		}
		if req.FilePath == "" {
			return apperrors.NewMalformedMessage("open_file requires file_path", nil)
		}
		s.OpenFile(req.FilePath, req.Content)
		return nil

	case models.MessageTypeMessageAck:
		return s.HandleMessageAck(c.ClientID, gjson.GetBytes(raw, "message_id").String())

	case models.MessageTypeLeave:
		h.leave(s, c)
		return nil

	case models.MessageTypeAIMessage:
		return h.aiMessage(ctx, s, c, gjson.GetBytes(raw, "message").String())

	case models.MessageTypeGetAIContext:
		if h.ai == nil {
			return apperrors.NewContextNotFound(c.SessionID)
		}
		info, err := h.ai.GetAIContext(c.SessionID)
		if err != nil {
			return err
		}
		s.Reply(c.ClientID, models.AIContextReply{Type: models.MessageTypeAIContext, Result: info})
		return nil

	default:
		return apperrors.NewMalformedMessage(fmt.Sprintf("unknown message type %q", msgType), nil)
	}
}

// join attaches the connection to a session. A join carrying a client_id the
// session still knows is treated as a reconnection.
func (h *MessageHandler) join(c *Connection, raw []byte) error {
	var req models.JoinRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	if req.Username == "" {
		req.Username = "Anonymous"
	}

	if req.ClientID != "" && req.SessionID != "" {
		if s, ok := h.sessions.GetSession(req.SessionID); ok {
			if _, known := s.User(req.ClientID); known {
				c.SessionID, c.ClientID = s.ID, req.ClientID
				if err := h.sessions.RegisterClientWithPool(s.ID, c.ClientID, c.Conn); err != nil {
					return err
				}
				s.HandleReconnection(c.ClientID, c.Conn)
				h.welcome(s, c)
				return nil
			}
		}
	}

	s, _ := h.sessions.GetOrCreateSession(req.SessionID, req.SessionName)
	c.SessionID, c.ClientID = s.ID, ksuid.New().String()

	h.welcome(s, c)
	if err := h.sessions.RegisterClientWithPool(s.ID, c.ClientID, c.Conn); err != nil {
		return err
	}
	s.AddUser(c.ClientID, req.Username, c.Conn)
	return nil
}

func (h *MessageHandler) welcome(s *Session, c *Connection) {
	sendDirect(c.Conn, models.Welcome{
		Type:              models.MessageTypeWelcome,
		SessionID:         s.ID,
		ClientID:          c.ClientID,
		ReconnectInterval: s.ReconnectInterval(c.ClientID).Seconds(),
	})
}

func (h *MessageHandler) leave(s *Session, c *Connection) {
	s.RemoveUser(c.ClientID)
	h.sessions.UnregisterClient(c.ClientID)
	c.SessionID, c.ClientID = "", ""
}

// aiMessage starts a generation and returns at once. The reply reaches the
// sender when the generation finishes, so the read loop keeps serving edits
// and pongs meanwhile.
func (h *MessageHandler) aiMessage(ctx context.Context, s *Session, c *Connection, message string) error {
	if message == "" {
		return apperrors.NewMalformedMessage("ai_message is empty", nil)
	}
	if h.ai == nil {
		return apperrors.NewGenerationFailure(s.ID, fmt.Errorf("no AI backend configured"))
	}

	clientID := c.ClientID
	ctx = context.WithoutCancel(ctx)

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()

		ctx, span := middleware.StartSpan(ctx, "Protocol.AIMessage",
			attribute.String("session.id", s.ID),
			attribute.String("client.id", clientID),
		)
		defer span.End()

		result, err := h.ai.HandleAIMessage(ctx, s.ID, clientID, message)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			result = &models.AIResult{
				Success: false,
				Error:   err.Error(),
				Code:    string(apperrors.CodeOf(err)),
			}
		}
		s.Reply(clientID, models.AIResultReply{Type: models.MessageTypeAIResult, Result: result})
	}()
	return nil
}

// Wait blocks until every AI request started so far has replied.
func (h *MessageHandler) Wait() {
	h.inflight.Wait()
}

func (h *MessageHandler) joinedSession(c *Connection) (*Session, bool) {
	if !c.Joined() {
		return nil, false
	}
	s, ok := h.sessions.GetSession(c.SessionID)
	if !ok {
		return nil, false
	}
	if _, known := s.User(c.ClientID); !known {
		return nil, false
	}
	return s, true
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewMalformedMessage("cannot decode message", err)
	}
	return nil
}

func sendDirect(conn pool.Conn, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error("❌ Failed to encode message", "err", err)
		return
	}
	if err := conn.Send(raw); err != nil {
		telemetry.RecordSendFailure("direct")
		log.Warn("⚠️  Send failed", "err", err)
	}
}
