package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who authored a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid returns true if the role is one of the known roles
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation groups the messages exchanged over one chat thread
type Conversation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Conversation model
func (Conversation) TableName() string {
	return "conversations"
}

// NewConversation creates a new Conversation owned by userID
func NewConversation(userID uuid.UUID, title string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Message is a single turn in a conversation
type Message struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole `json:"role" db:"role"`
	Content        string      `json:"content" db:"content"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Message model
func (Message) TableName() string {
	return "messages"
}

// NewMessage creates a new Message in conversationID
func NewMessage(conversationID uuid.UUID, role MessageRole, content string) *Message {
	return &Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}
