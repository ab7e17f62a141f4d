package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"collab-engine/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTries  = 3
	defaultMaxTokens = 1024
)

type Client struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// MaxTries bounds attempts per completion, counting the first.
	MaxTries uint
	// RetryInterval is the first backoff delay; zero keeps the library default.
	RetryInterval time.Duration
	client        *http.Client
}

func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:    apiKey,
		BaseURL:   DefaultBaseURL,
		Model:     DefaultModel,
		MaxTokens: defaultMaxTokens,
		MaxTries:  DefaultMaxTries,
		client:    &http.Client{Timeout: 90 * time.Second},
	}
}

type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// statusError is a non-200 reply from the API.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether a status is worth another attempt.
func (e *statusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Generate answers a shared AI conversation. Its signature matches the
// session AI generator so a client can be registered directly.
func (c *Client) Generate(ctx context.Context, contextID string, messages []models.GenerationMessage) (string, error) {
	apiMessages := make([]Message, len(messages))
	for i, msg := range messages {
		apiMessages[i] = Message{Role: msg.Role, Content: msg.Content}
	}
	log.Debug("OpenAI completion", "context", contextID, "model", c.Model, "messages", len(apiMessages))
	return c.ChatCompletion(ctx, apiMessages)
}

// ChatCompletion generates a chat completion, retrying rate limits and
// server errors with exponential backoff.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message) (string, error) {
	req := ChatRequest{
		Model:     c.Model,
		Messages:  messages,
		MaxTokens: c.MaxTokens,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	tries := c.MaxTries
	if tries == 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		b.InitialInterval = c.RetryInterval
	}

	return backoff.Retry(ctx, func() (string, error) {
		content, err := c.chatOnce(ctx, reqBody)
		if err == nil {
			return content, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", err
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return "", backoff.Permanent(err)
		}
		log.Warn("⚠️  OpenAI request failed", "err", err)
		return "", err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
	)
}

func (c *Client) chatOnce(ctx context.Context, reqBody []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("no completion returned"))
	}

	return chatResp.Choices[0].Message.Content, nil
}
