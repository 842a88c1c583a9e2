// Package chat defines the conversation model shared by the activation,
// assembly, and pipeline layers: messages, sessions, and depth-based
// injection of assembled prompt fragments into history.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AudioRef points at one synthesized dialogue line.
type AudioRef struct {
	Character string `json:"character" yaml:"character"`
	Emotion   string `json:"emotion" yaml:"emotion"`
	AudioURL  string `json:"audio_url" yaml:"audio_url"`
}

// Message is a single conversation turn.
type Message struct {
	ID          string     `json:"id" yaml:"id"`
	Role        Role       `json:"role" yaml:"role"`
	Content     string     `json:"content" yaml:"content"`
	Timestamp   time.Time  `json:"timestamp" yaml:"timestamp"`
	ImageURL    string     `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	ImagePrompt string     `json:"image_prompt,omitempty" yaml:"image_prompt,omitempty"`
	Audio       []AudioRef `json:"audio,omitempty" yaml:"audio,omitempty"`
}

// NewMessage builds a message with a fresh ID and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Session is one ongoing conversation. Persistence of sessions is the
// embedder's concern; the pipeline only appends messages to it.
type Session struct {
	ID            string    `json:"id" yaml:"id"`
	CharacterID   string    `json:"character_id,omitempty" yaml:"character_id,omitempty"`
	CharacterName string    `json:"character_name,omitempty" yaml:"character_name,omitempty"`
	WorldbookIDs  []string  `json:"worldbook_ids,omitempty" yaml:"worldbook_ids,omitempty"`
	PresetID      string    `json:"preset_id,omitempty" yaml:"preset_id,omitempty"`
	Messages      []Message `json:"messages" yaml:"messages"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// Append adds a message and bumps the session's update time.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// Injection is a prompt fragment to be inserted into history at a fixed
// offset from the most recent message. Depth 0 means after the last message.
type Injection struct {
	Content string
	Depth   int
	Role    Role
	Order   int
}

// InjectAtDepth returns a copy of history with each injection inserted at
// max(0, len(history)-depth) from the start, i.e. depth counted backward
// from the most recent message. Injections must already be sorted in the
// order they should be applied.
func InjectAtDepth(history []Message, injections []Injection) []Message {
	out := make([]Message, len(history), len(history)+len(injections))
	copy(out, history)

	for _, inj := range injections {
		pos := len(out) - inj.Depth
		if pos < 0 {
			pos = 0
		}
		msg := Message{
			ID:      uuid.NewString(),
			Role:    inj.Role,
			Content: inj.Content,
		}
		out = append(out, Message{})
		copy(out[pos+1:], out[pos:])
		out[pos] = msg
	}

	return out
}

// LastByRole returns the content of the most recent message with the given
// role, or the empty string.
func LastByRole(history []Message, role Role) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == role {
			return history[i].Content
		}
	}
	return ""
}
