package models

import "time"

type Role string

const (
	// RoleUser marks a message authored by the human user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the two enumerated values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatMessage is one turn in a conversation. Messages are append-only: the
// only field ever rewritten after insert is Title, when a conversation's
// title is regenerated.
type ChatMessage struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Title          string     `json:"title,omitempty"`
	Model          string     `json:"model,omitempty"`
	TokensUsed     int        `json:"tokens_used,omitempty"`
	ResponseTimeMs int64      `json:"response_time_ms,omitempty"`
	UserAgent      string     `json:"user_agent,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ClientTime     *time.Time `json:"client_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ConversationSummary is derived from a user's messages; a conversation is
// never stored as its own row. CreatedAt carries the most recent activity
// timestamp, which is what the conversation list sorts by.
type ConversationSummary struct {
	ConversationID string       `json:"conversation_id"`
	Title          string       `json:"title,omitempty"`
	LastMessage    *ChatMessage `json:"last_message"`
	MessageCount   int          `json:"message_count"`
	CreatedAt      time.Time    `json:"created_at"`
}

// User maps the identity provider's subject id to a local row that messages
// reference.
type User struct {
	ID        int64     `json:"id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}
