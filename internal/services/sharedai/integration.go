package sharedai

import (
	"context"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/models"
	"collab-engine/internal/services/collaboration"
	"collab-engine/internal/telemetry"

	"github.com/charmbracelet/log"
)

// Integration connects collaboration sessions to their shared AI context.
// Every member sees both the prompt and the reply as ai_message broadcasts.
type Integration struct {
	sessions SessionLookup
	ai       *Manager
}

func NewIntegration(sessions SessionLookup, ai *Manager) *Integration {
	return &Integration{sessions: sessions, ai: ai}
}

// HandleAIMessage appends a member's prompt to the session's context,
// generates a reply and shares both with the session.
func (i *Integration) HandleAIMessage(ctx context.Context, sessionID, clientID, message string) (*models.AIResult, error) {
	defer telemetry.Observe("ai.handle_message", time.Now())

	s, ok := i.sessions.GetSession(sessionID)
	if !ok {
		return nil, apperrors.NewSessionNotFound(sessionID)
	}
	user, ok := s.User(clientID)
	if !ok {
		return nil, apperrors.NewUnknownClient(clientID)
	}

	c := i.contextFor(s)
	prompt := c.AddMessage(message, models.RoleUser, clientID, user.Username)
	s.Broadcast(models.AIMessageBroadcast{
		Type:      models.MessageTypeAIMessage,
		Message:   prompt,
		ContextID: c.ID,
	}, "")

	reply, err := i.ai.GenerateResponse(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	s.Broadcast(models.AIMessageBroadcast{
		Type:      models.MessageTypeAIMessage,
		Message:   *reply,
		ContextID: c.ID,
	}, "")

	log.Debug("AI reply shared", "session", sessionID, "context", c.ID, "tokens", reply.Tokens)
	return &models.AIResult{
		Success:   true,
		ContextID: c.ID,
		Response:  reply.Content,
	}, nil
}

// GetAIContext describes the session's shared context, creating it on first use.
func (i *Integration) GetAIContext(sessionID string) (*models.AIContextInfo, error) {
	s, ok := i.sessions.GetSession(sessionID)
	if !ok {
		return nil, apperrors.NewSessionNotFound(sessionID)
	}
	info := i.contextFor(s).Info()
	return &info, nil
}

func (i *Integration) contextFor(s *collaboration.Session) *Context {
	c := i.ai.ContextForSessionOrCreate(s.ID)
	if s.AIContextID() != c.ID {
		s.SetAIContextID(c.ID)
	}
	return c
}
