package session

import "time"

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one entry of a chat's conversation log. Entries are immutable
// once appended; only truncation removes the oldest.
type Message struct {
	Role        Role      `json:"role"`
	RoleName    string    `json:"role_name,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// UserMessage builds a user-authored message stamped with the current time.
func UserMessage(content string, now time.Time) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: now}
}

// AgentMessage builds an agent-authored message stamped with the current time.
func AgentMessage(roleName, displayName, content string, now time.Time) Message {
	return Message{
		Role:        RoleAgent,
		RoleName:    roleName,
		DisplayName: displayName,
		Content:     content,
		Timestamp:   now,
	}
}

// Storage is the persistence collaborator the store reads and writes through.
// Implementations keep one append-only conversation log per chat.
type Storage interface {
	LoadConversation(chatID string) ([]Message, error)
	AddMessage(chatID string, msg Message) error
	ClearConversation(chatID string) error
	ListChats() ([]string, error)
}
