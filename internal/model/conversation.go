package model

import "strings"

// Role identifies the sender of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one role/content pair.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Conversation is an ordered list of messages. Adapters may reshape it for
// their wire format but never modify the caller's slice.
type Conversation []Message

// NewConversation copies msgs into a new Conversation.
func NewConversation(msgs ...Message) Conversation {
	c := make(Conversation, len(msgs))
	copy(c, msgs)
	return c
}

// Split separates system messages from the rest, preserving order in both.
// Roles are compared case-insensitively.
func (c Conversation) Split() (system []string, rest Conversation) {
	for _, m := range c {
		if strings.EqualFold(string(m.Role), string(RoleSystem)) {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
