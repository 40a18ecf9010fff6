package sessions

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one turn in a conversation. Assistant messages keep the
// server's message id so streamed updates land on the same record; user
// messages get a local id at append time.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Streaming bool      `json:"streaming,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   strings.TrimSpace(content),
		Timestamp: time.Now(),
	}
}

func NewAssistantMessage(id, content string) Message {
	return Message{
		ID:        id,
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// titleLimit bounds auto-generated session titles
const titleLimit = 50

// titleFromContent derives a session title from the first user message
func titleFromContent(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexAny(title, "\r\n"); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > titleLimit {
		title = strings.TrimSpace(title[:titleLimit])
	}
	return title
}
