package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"collab-engine/internal/models"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSplitConversation(t *testing.T) {
	system, turns := splitConversation([]models.GenerationMessage{
		{Role: models.RoleSystem, Content: "be helpful"},
		{Role: models.RoleAssistant, Content: "orphaned reply"},
		{Role: models.RoleUser, Content: "alice asks"},
		{Role: models.RoleUser, Content: "bob asks"},
		{Role: models.RoleAssistant, Content: "answer"},
		{Role: models.RoleUser, Content: "thanks"},
	})

	assert.Equal(t, "be helpful", system)
	require.Len(t, turns, 3)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "alice asks\n\nbob asks", turns[0].Content)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "thanks", turns[2].Content)
}

func TestGenerateCallsMessagesAPI(t *testing.T) {
	var body gjson.Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		body = gjson.ParseBytes(raw)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"lock the map"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient("sk-ant-test", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	c.Model = "claude-test"

	text, err := c.Generate(context.Background(), "ctx-1", []models.GenerationMessage{
		{Role: models.RoleSystem, Content: "be helpful"},
		{Role: models.RoleUser, Content: "why does this race?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lock the map", text)

	assert.Equal(t, "claude-test", body.Get("model").String())
	assert.Equal(t, "be helpful", body.Get("system.0.text").String())
	assert.Equal(t, "user", body.Get("messages.0.role").String())
	assert.Equal(t, "why does this race?", body.Get("messages.0.content.0.text").String())
}

func TestGenerateRejectsEmptyConversation(t *testing.T) {
	c := NewClient("sk-ant-test")
	_, err := c.Generate(context.Background(), "ctx", []models.GenerationMessage{
		{Role: models.RoleSystem, Content: "only a prompt"},
	})
	assert.Error(t, err)
}
