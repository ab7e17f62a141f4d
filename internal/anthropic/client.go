package anthropic

import (
	"context"
	"fmt"
	"strings"

	"collab-engine/internal/models"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

// Client generates shared AI replies with the Anthropic Messages API.
type Client struct {
	Model     string
	MaxTokens int64
	api       sdk.Client
}

// NewClient builds a client. Extra options (base URL, retries) are passed to the SDK.
func NewClient(apiKey string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		Model:     DefaultModel,
		MaxTokens: defaultMaxTokens,
		api:       sdk.NewClient(opts...),
	}
}

// Generate answers a shared AI conversation. Its signature matches the
// session AI generator so a client can be registered directly.
func (c *Client) Generate(ctx context.Context, contextID string, messages []models.GenerationMessage) (string, error) {
	system, turns := splitConversation(messages)
	if len(turns) == 0 {
		return "", fmt.Errorf("conversation has no user message")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.Model),
		MaxTokens: c.MaxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, t := range turns {
		block := sdk.NewTextBlock(t.Content)
		if t.Role == models.RoleAssistant {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}

	log.Debug("Anthropic completion", "context", contextID, "model", c.Model, "turns", len(turns))
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// splitConversation pulls system prompts out of the history and folds the
// rest into alternating turns that start with the user. Prompts from several
// members in a row become one user turn.
func splitConversation(messages []models.GenerationMessage) (string, []models.GenerationMessage) {
	var system []string
	var turns []models.GenerationMessage

	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := models.RoleUser
		if m.Role == models.RoleAssistant {
			role = models.RoleAssistant
		}
		if len(turns) == 0 && role == models.RoleAssistant {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, models.GenerationMessage{Role: role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), turns
}
