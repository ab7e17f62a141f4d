package sharedai

import (
	"sync"
	"time"
	"unicode/utf8"

	"collab-engine/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultSystemPrompt = "You are a helpful AI coding assistant."
	DefaultMaxHistory   = 100
	DefaultTokenBudget  = 16000

	recentMessageCount = 10
)

// Context is one conversation shared by everyone in a session.
type Context struct {
	ID        string
	CreatedAt time.Time

	maxHistory  int
	tokenBudget int

	mu          sync.Mutex
	sessionID   string
	messages    []models.AIMessage
	tokens      int
	generating  bool
	activeUsers map[string]struct{}
	lastUpdated time.Time
}

// NewContext creates a conversation seeded with systemPrompt.
func NewContext(id, systemPrompt string, maxHistory, tokenBudget int) *Context {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	now := time.Now()
	c := &Context{
		ID:          id,
		CreatedAt:   now,
		maxHistory:  maxHistory,
		tokenBudget: tokenBudget,
		activeUsers: make(map[string]struct{}),
		lastUpdated: now,
	}
	c.AddMessage(systemPrompt, models.RoleSystem, "", "")
	return c
}

// estimateTokens approximates a token count as one token per four characters.
func estimateTokens(content string) int {
	return utf8.RuneCountInString(content) / 4
}

// AddMessage appends a message and trims the history back under its limits.
func (c *Context) AddMessage(content, role, userID, username string) models.AIMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := models.AIMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		UserID:    userID,
		Username:  username,
		Timestamp: time.Now(),
		Tokens:    estimateTokens(content),
	}
	c.messages = append(c.messages, msg)
	c.tokens += msg.Tokens
	c.lastUpdated = msg.Timestamp
	if userID != "" {
		c.activeUsers[userID] = struct{}{}
	}

	c.trimLocked()
	return msg
}

// trimLocked drops the oldest non-system messages, first to satisfy the
// message cap and then the token budget. System messages always stay.
func (c *Context) trimLocked() {
	for len(c.messages) > c.maxHistory {
		if !c.dropOldestNonSystemLocked() {
			break
		}
	}

	if c.tokens <= c.tokenBudget {
		return
	}
	c.tokens = 0
	for _, m := range c.messages {
		c.tokens += m.Tokens
	}
	for c.tokens > c.tokenBudget && len(c.messages) > 1 {
		if !c.dropOldestNonSystemLocked() {
			break
		}
	}
}

func (c *Context) dropOldestNonSystemLocked() bool {
	for i, m := range c.messages {
		if m.Role == models.RoleSystem {
			continue
		}
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
		c.tokens -= m.Tokens
		return true
	}
	return false
}

// MessagesForAI returns the conversation in the shape generation backends expect.
func (c *Context) MessagesForAI() []models.GenerationMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.GenerationMessage, len(c.messages))
	for i, m := range c.messages {
		out[i] = models.GenerationMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// RecentMessages returns up to n of the newest messages, oldest first.
func (c *Context) RecentMessages(n int) []models.AIMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recentLocked(n)
}

func (c *Context) recentLocked(n int) []models.AIMessage {
	if n <= 0 || n > len(c.messages) {
		n = len(c.messages)
	}
	return append([]models.AIMessage(nil), c.messages[len(c.messages)-n:]...)
}

func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Context) TokenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Context) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Context) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Context) IsGenerating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

// tryStartGeneration claims the context for one generation.
func (c *Context) tryStartGeneration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return false
	}
	c.generating = true
	return true
}

func (c *Context) finishGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generating = false
}

func (c *Context) Info() models.AIContextInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return models.AIContextInfo{
		ContextID:      c.ID,
		SessionID:      c.sessionID,
		MessageCount:   len(c.messages),
		TokenCount:     c.tokens,
		TokenBudget:    c.tokenBudget,
		MaxHistory:     c.maxHistory,
		IsGenerating:   c.generating,
		ActiveUsers:    len(c.activeUsers),
		CreatedAt:      c.CreatedAt,
		LastUpdated:    c.lastUpdated,
		RecentMessages: c.recentLocked(recentMessageCount),
	}
}
