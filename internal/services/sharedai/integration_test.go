package sharedai

import (
	"context"
	"sync"
	"testing"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/models"
	"collab-engine/internal/services/collaboration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []gjson.Result
}

func (c *recordingConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, gjson.ParseBytes(msg))
	return nil
}

func (c *recordingConn) ofType(msgType string) []gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gjson.Result
	for _, m := range c.msgs {
		if m.Get("type").String() == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newIntegration(t *testing.T, gen GenerateFunc) (*Integration, *collaboration.SessionManager, *Manager) {
	t.Helper()
	sessions := collaboration.NewSessionManager(nil, collaboration.ManagerOptions{})
	ai := NewManager(Options{})
	if gen != nil {
		ai.RegisterGenerateFunc(gen)
	}
	t.Cleanup(sessions.Shutdown)
	return NewIntegration(sessions, ai), sessions, ai
}

func TestHandleAIMessageSharesPromptAndReply(t *testing.T) {
	integration, sessions, ai := newIntegration(t, echoGenerator("re: "))
	s, _ := sessions.GetOrCreateSession("room", "Room")
	alice, bob := &recordingConn{}, &recordingConn{}
	s.AddUser("alice", "Alice", alice)
	s.AddUser("bob", "Bob", bob)

	result, err := integration.HandleAIMessage(context.Background(), "room", "alice", "why is this slow?")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "re: why is this slow?", result.Response)
	assert.Equal(t, result.ContextID, s.AIContextID())

	for _, conn := range []*recordingConn{alice, bob} {
		msgs := conn.ofType(string(models.MessageTypeAIMessage))
		require.Len(t, msgs, 2)
		assert.Equal(t, "user", msgs[0].Get("message.role").String())
		assert.Equal(t, "Alice", msgs[0].Get("message.username").String())
		assert.Equal(t, "assistant", msgs[1].Get("message.role").String())
		assert.Equal(t, result.ContextID, msgs[1].Get("context_id").String())
	}

	c, ok := ai.ContextForSession("room")
	require.True(t, ok)
	assert.Equal(t, 3, c.Len())

	_, err = integration.HandleAIMessage(context.Background(), "room", "alice", "and now?")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Len(), "the session keeps one context")
}

func TestHandleAIMessageErrors(t *testing.T) {
	integration, sessions, _ := newIntegration(t, nil)

	_, err := integration.HandleAIMessage(context.Background(), "nope", "alice", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionNotFound))

	s, _ := sessions.GetOrCreateSession("room", "Room")
	_, err = integration.HandleAIMessage(context.Background(), "room", "ghost", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownClient))

	conn := &recordingConn{}
	s.AddUser("alice", "Alice", conn)
	_, err = integration.HandleAIMessage(context.Background(), "room", "alice", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationFailure))
	assert.Len(t, conn.ofType(string(models.MessageTypeAIMessage)), 1, "the prompt is still shared")
}

func TestGetAIContext(t *testing.T) {
	integration, sessions, _ := newIntegration(t, nil)

	_, err := integration.GetAIContext("nope")
	assert.True(t, apperrors.Is(err, apperrors.ErrSessionNotFound))

	s, _ := sessions.GetOrCreateSession("room", "Room")
	info, err := integration.GetAIContext("room")
	require.NoError(t, err)
	assert.Equal(t, "room", info.SessionID)
	assert.Equal(t, 1, info.MessageCount)
	assert.Equal(t, info.ContextID, s.AIContextID())
}
