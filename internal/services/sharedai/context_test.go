package sharedai

import (
	"strings"
	"testing"

	"collab-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextSeedsSystemPrompt(t *testing.T) {
	c := NewContext("ctx", "", 0, 0)

	msgs := c.MessagesForAI()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, DefaultSystemPrompt, msgs[0].Content)

	info := c.Info()
	assert.Equal(t, DefaultMaxHistory, info.MaxHistory)
	assert.Equal(t, DefaultTokenBudget, info.TokenBudget)
	assert.Equal(t, estimateTokens(DefaultSystemPrompt), info.TokenCount)
}

func TestEstimateTokensCountsRunes(t *testing.T) {
	assert.Equal(t, 0, estimateTokens("abc"))
	assert.Equal(t, 2, estimateTokens("abcdefgh"))
	assert.Equal(t, 1, estimateTokens("日本語です"))
}

func TestTrimByMessageCountKeepsSystem(t *testing.T) {
	c := NewContext("ctx", "sys", 3, 0)
	for _, s := range []string{"u1", "u2", "u3", "u4"} {
		c.AddMessage(s, models.RoleUser, "alice", "Alice")
	}

	msgs := c.MessagesForAI()
	require.Len(t, msgs, 3)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "u3", msgs[1].Content)
	assert.Equal(t, "u4", msgs[2].Content)
}

func TestTrimByTokenBudget(t *testing.T) {
	c := NewContext("ctx", "", 0, 20)
	forty := strings.Repeat("x", 40)

	c.AddMessage(forty, models.RoleUser, "alice", "Alice")
	assert.Equal(t, 2, c.Len())

	c.AddMessage(forty, models.RoleAssistant, "", "")
	assert.Equal(t, 2, c.Len())
	assert.LessOrEqual(t, c.TokenCount(), 20)

	msgs := c.MessagesForAI()
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestTrimStopsWhenOnlySystemRemains(t *testing.T) {
	c := NewContext("ctx", "", 0, 1)
	c.AddMessage(strings.Repeat("x", 40), models.RoleUser, "alice", "Alice")

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, estimateTokens(DefaultSystemPrompt), c.TokenCount())
}

func TestRecentMessagesAndInfo(t *testing.T) {
	c := NewContext("ctx", "sys", 0, 0)
	c.AddMessage("one", models.RoleUser, "alice", "Alice")
	c.AddMessage("two", models.RoleUser, "bob", "Bob")

	recent := c.RecentMessages(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "one", recent[0].Content)
	assert.Equal(t, "Bob", recent[1].Username)
	assert.Len(t, c.RecentMessages(0), 3)

	info := c.Info()
	assert.Equal(t, 3, info.MessageCount)
	assert.Equal(t, 2, info.ActiveUsers)
	assert.False(t, info.IsGenerating)
}

func TestGenerationGuard(t *testing.T) {
	c := NewContext("ctx", "", 0, 0)
	require.True(t, c.tryStartGeneration())
	assert.False(t, c.tryStartGeneration())
	assert.True(t, c.IsGenerating())

	c.finishGeneration()
	assert.True(t, c.tryStartGeneration())
}
