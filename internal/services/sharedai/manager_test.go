package sharedai

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "collab-engine/internal/errors"
	"collab-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoGenerator(prefix string) GenerateFunc {
	return func(_ context.Context, _ string, messages []models.GenerationMessage) (string, error) {
		return prefix + messages[len(messages)-1].Content, nil
	}
}

func TestGenerateResponseAppendsReply(t *testing.T) {
	m := NewManager(Options{})
	m.RegisterGenerateFunc(echoGenerator("re: "))

	c := m.CreateContext("", "ctx-1")
	c.AddMessage("hello", models.RoleUser, "alice", "Alice")

	reply, err := m.GenerateResponse(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "re: hello", reply.Content)
	assert.Equal(t, models.RoleAssistant, reply.Role)
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.IsGenerating())
}

func TestGenerateResponseFailures(t *testing.T) {
	m := NewManager(Options{})
	m.CreateContext("", "ctx")

	_, err := m.GenerateResponse(context.Background(), "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrContextNotFound))

	_, err = m.GenerateResponse(context.Background(), "ctx")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationFailure), "no backend")

	m.RegisterGenerateFunc(func(context.Context, string, []models.GenerationMessage) (string, error) {
		return "   ", nil
	})
	_, err = m.GenerateResponse(context.Background(), "ctx")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationFailure), "empty reply")

	m.RegisterGenerateFunc(func(context.Context, string, []models.GenerationMessage) (string, error) {
		return "", errors.New("rate limited")
	})
	_, err = m.GenerateResponse(context.Background(), "ctx")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationFailure))
	assert.Contains(t, err.Error(), "rate limited")

	c, _ := m.GetContext("ctx")
	assert.Equal(t, 1, c.Len(), "failed generations add nothing")
	assert.False(t, c.IsGenerating())
}

func TestConcurrentGenerationIsRejected(t *testing.T) {
	m := NewManager(Options{})
	release := make(chan struct{})
	m.RegisterGenerateFunc(func(ctx context.Context, _ string, _ []models.GenerationMessage) (string, error) {
		<-release
		return "done", nil
	})
	c := m.CreateContext("", "ctx")

	errc := make(chan error, 1)
	go func() {
		_, err := m.GenerateResponse(context.Background(), "ctx")
		errc <- err
	}()
	require.Eventually(t, c.IsGenerating, time.Second, 5*time.Millisecond)

	_, err := m.GenerateResponse(context.Background(), "ctx")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationInProgress))

	close(release)
	require.NoError(t, <-errc)
	assert.False(t, c.IsGenerating())
}

func TestGenerationTimeout(t *testing.T) {
	m := NewManager(Options{GenerationTimeout: 20 * time.Millisecond})
	m.RegisterGenerateFunc(func(ctx context.Context, _ string, _ []models.GenerationMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m.CreateContext("", "ctx")

	_, err := m.GenerateResponse(context.Background(), "ctx")
	assert.True(t, apperrors.Is(err, apperrors.ErrGenerationFailure))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkerPoolRunsGenerations(t *testing.T) {
	m := NewManager(Options{Workers: 2, QueueSize: 4})
	m.RegisterGenerateFunc(echoGenerator("pooled: "))
	m.Start()
	t.Cleanup(m.Shutdown)

	for _, id := range []string{"a", "b", "c"} {
		c := m.CreateContext("", id)
		c.AddMessage("hi "+id, models.RoleUser, "alice", "Alice")
	}

	errc := make(chan error, 3)
	for _, id := range []string{"a", "b", "c"} {
		go func(id string) {
			reply, err := m.GenerateResponse(context.Background(), id)
			if err == nil && reply.Content != "pooled: hi "+id {
				err = errors.New("unexpected reply " + reply.Content)
			}
			errc <- err
		}(id)
	}
	for range 3 {
		assert.NoError(t, <-errc)
	}
	assert.Equal(t, 0, m.QueueLength())
}

func TestSessionLinks(t *testing.T) {
	m := NewManager(Options{})

	err := m.LinkSessionToContext("s1", "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrContextNotFound))

	c := m.CreateContext("be terse", "")
	require.NotEmpty(t, c.ID)
	assert.Same(t, c, m.CreateContext("", c.ID))

	require.NoError(t, m.LinkSessionToContext("s1", c.ID))
	got, ok := m.ContextForSession("s1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, "s1", c.Info().SessionID)
	assert.Same(t, c, m.ContextForSessionOrCreate("s1"))

	other := m.ContextForSessionOrCreate("s2")
	assert.NotEqual(t, c.ID, other.ID)
	assert.Equal(t, 2, m.ContextCount())
	assert.Len(t, m.AllContexts(), 2)

	m.UnlinkSession("s1")
	_, ok = m.ContextForSession("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, m.ContextCount())
}
