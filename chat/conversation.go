// Package chat holds the client-side conversation model: an append-only
// ordered sequence of messages seeded with a synthetic welcome entry.
package chat

import (
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one conversation entry.
type Message struct {
	Role      Role
	Content   string
	IsAudio   bool
	Timestamp time.Time
}

// Conversation is the ordered, append-only message sequence. The first
// entry is the synthetic welcome message and never travels to the remote
// service.
type Conversation struct {
	mu   sync.Mutex
	msgs []Message
}

// New seeds a conversation with the welcome message.
func New(welcome string) *Conversation {
	return &Conversation{
		msgs: []Message{{
			Role:      RoleModel,
			Content:   welcome,
			Timestamp: time.Now(),
		}},
	}
}

// Append adds a message and returns it with the timestamp filled in.
func (c *Conversation) Append(role Role, content string, isAudio bool) Message {
	msg := Message{Role: role, Content: content, IsAudio: isAudio, Timestamp: time.Now()}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return msg
}

// Messages returns a copy of every entry, welcome included, in order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// History returns the entries that travel with a turn request: everything
// except the synthetic welcome message. The in-flight turn is appended by
// the dispatcher separately, never duplicated here.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) <= 1 {
		return nil
	}
	out := make([]Message, len(c.msgs)-1)
	copy(out, c.msgs[1:])
	return out
}

// Len returns the number of entries including the welcome message.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}
