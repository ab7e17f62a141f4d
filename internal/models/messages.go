package models

import (
	"encoding/json"

	"collab-engine/internal/chunker"
	"collab-engine/internal/ot"
)

// MessageType is the `type` discriminator of every wire message.
type MessageType string

// Client -> server
const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeEdit         MessageType = "edit"
	MessageTypeCursorMove   MessageType = "cursor_move"
	MessageTypeChat         MessageType = "chat"
	MessageTypeAIMessage    MessageType = "ai_message"
	MessageTypeGetAIContext MessageType = "get_ai_context"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeOpenFile     MessageType = "open_file"
	MessageTypeMessageAck   MessageType = "message_ack"
	MessageTypeLeave        MessageType = "leave"
)

// Server -> client
const (
	MessageTypeWelcome      MessageType = "welcome"
	MessageTypeSessionState MessageType = "session_state"
	MessageTypeAck          MessageType = "ack"
	MessageTypeCursor       MessageType = "cursor"
	MessageTypeUserJoined   MessageType = "user_joined"
	MessageTypeUserLeft     MessageType = "user_left"
	MessageTypeUserActive   MessageType = "user_active"
	MessageTypeUserInactive MessageType = "user_inactive"
	MessageTypeAIContext    MessageType = "ai_context"
	MessageTypeAIResult     MessageType = "ai_result"
	MessageTypeError        MessageType = "error"
)

// Inbound payloads

type JoinRequest struct {
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name,omitempty"`
	Username    string `json:"username"`
	ClientID    string `json:"client_id,omitempty"` // set when reconnecting
}

// EditRequest carries an operation authored against Version of the file.
type EditRequest struct {
	FilePath  string          `json:"file_path"`
	Operation json.RawMessage `json:"operation"`
	Version   int             `json:"version"`
}

type CursorMoveRequest struct {
	FilePath string         `json:"file_path"`
	Position CursorPosition `json:"position"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type AIMessageRequest struct {
	Message string `json:"message"`
}

// OpenFileRequest seeds a file the session does not track yet.
type OpenFileRequest struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

type MessageAckRequest struct {
	MessageID string `json:"message_id"`
}

// Outbound payloads

type Welcome struct {
	Type              MessageType `json:"type"`
	SessionID         string      `json:"session_id"`
	ClientID          string      `json:"client_id"`
	ReconnectInterval float64     `json:"reconnect_interval"`
}

type SessionState struct {
	Type        MessageType                          `json:"type"`
	SessionID   string                               `json:"session_id"`
	SessionName string                               `json:"session_name"`
	Users       map[string]UserInfo                  `json:"users"`
	Files       map[string]string                    `json:"files"`
	Cursors     map[string]map[string]CursorPosition `json:"cursors"`
	ChatHistory []ChatMessage                        `json:"chat_history"`
	Reconnected bool                                 `json:"reconnected,omitempty"`
}

type EditBroadcast struct {
	Type          MessageType  `json:"type"`
	FilePath      string       `json:"file_path"`
	Operation     ot.Operation `json:"operation"`
	ClientID      string       `json:"client_id"`
	Username      string       `json:"username"`
	ServerVersion int          `json:"server_version"`
}

type Ack struct {
	Type          MessageType                `json:"type"`
	FilePath      string                     `json:"file_path"`
	ClientVersion int                        `json:"client_version"`
	ServerVersion int                        `json:"server_version"`
	Chunks        *chunker.IncrementalUpdate `json:"chunks,omitempty"`
}

type CursorBroadcast struct {
	Type     MessageType    `json:"type"`
	FilePath string         `json:"file_path"`
	Position CursorPosition `json:"position"`
	ClientID string         `json:"client_id"`
	Username string         `json:"username"`
}

type ChatBroadcast struct {
	Type    MessageType `json:"type"`
	Message ChatMessage `json:"message"`
}

// UserEvent is used for user_joined, user_left, user_active and user_inactive.
type UserEvent struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
	Username string      `json:"username"`
}

type AIMessageBroadcast struct {
	Type      MessageType `json:"type"`
	Message   AIMessage   `json:"message"`
	ContextID string      `json:"context_id"`
}

type AIContextReply struct {
	Type   MessageType    `json:"type"`
	Result *AIContextInfo `json:"result"`
}

type AIResultReply struct {
	Type   MessageType `json:"type"`
	Result *AIResult   `json:"result"`
}

type ErrorReply struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
	Code  string      `json:"code,omitempty"`
}
