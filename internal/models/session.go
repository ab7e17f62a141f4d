package models

import (
	"encoding/json"
	"time"

	"collab-engine/internal/ot"
)

// CursorPosition is a row/column location inside one file.
type CursorPosition struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// UserInfo is the public view of a session member.
type UserInfo struct {
	ClientID string    `json:"client_id"`
	Username string    `json:"username"`
	Active   bool      `json:"active"`
	JoinedAt time.Time `json:"joined_at"`
}

// ChatMessage is one entry of a session's chat history.
type ChatMessage struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
}

// HistoryEntry records an applied edit next to what the client actually sent.
type HistoryEntry struct {
	Timestamp         time.Time       `json:"timestamp"`
	ClientID          string          `json:"client_id"`
	Username          string          `json:"username"`
	Operation         ot.Operation    `json:"operation"`
	OriginalOperation json.RawMessage `json:"original_operation"`
	ServerVersion     int             `json:"server_version"`
}

// SessionInfo is the read-only summary returned by the session manager.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	UserCount    int       `json:"user_count"`
	ActiveUsers  int       `json:"active_users"`
	FileCount    int       `json:"file_count"`
	ChunkedFiles int       `json:"chunked_files"`
	PoolID       string    `json:"pool_id,omitempty"`
	AIContextID  string    `json:"ai_context_id,omitempty"`
}
