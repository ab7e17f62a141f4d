package models

import "time"

// AI roles, matching the chat completion APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AIMessage is one turn in a shared AI conversation.
type AIMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// GenerationMessage is the role/content pair handed to generation backends.
type GenerationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIContextInfo is a read-only snapshot of a shared AI context.
type AIContextInfo struct {
	ContextID      string      `json:"context_id"`
	SessionID      string      `json:"session_id,omitempty"`
	MessageCount   int         `json:"message_count"`
	TokenCount     int         `json:"token_count"`
	TokenBudget    int         `json:"token_budget"`
	MaxHistory     int         `json:"max_history"`
	IsGenerating   bool        `json:"is_generating"`
	ActiveUsers    int         `json:"active_users"`
	CreatedAt      time.Time   `json:"created_at"`
	LastUpdated    time.Time   `json:"last_updated"`
	RecentMessages []AIMessage `json:"recent_messages"`
}

// AIResult reports the outcome of an ai_message request to its sender.
type AIResult struct {
	Success   bool   `json:"success"`
	ContextID string `json:"context_id,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}
