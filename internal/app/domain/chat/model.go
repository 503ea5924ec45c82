package chat

import "time"

// Roles understood by the chat providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is a conversation between a user and a character.
type Chat struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	CharacterID   string     `json:"character_id"`
	PersonaID     string     `json:"persona_id,omitempty"`
	StoryID       string     `json:"story_id,omitempty"`
	Title         string     `json:"title"`
	Model         string     `json:"model,omitempty"`
	Messages      []Message  `json:"messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LegacyMessage is a row of the pre-migration messages table. Content may be
// encrypted with the owner's session key.
type LegacyMessage struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	IsEncrypted bool      `json:"is_encrypted"`
	CreatedAt   time.Time `json:"created_at"`
}
