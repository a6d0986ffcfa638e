package agent

import "github.com/nugget/pennywise/internal/llm"

// Conversation is the append-only message log of one run. It is never
// shared between runs.
type Conversation struct {
	msgs []llm.Message
}

// NewConversation starts a conversation seeded with msgs.
func NewConversation(msgs ...llm.Message) *Conversation {
	c := &Conversation{msgs: make([]llm.Message, 0, len(msgs)+8)}
	c.msgs = append(c.msgs, msgs...)
	return c
}

// Append adds a message to the end of the log.
func (c *Conversation) Append(m llm.Message) {
	c.msgs = append(c.msgs, m)
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Len returns the number of messages.
func (c *Conversation) Len() int { return len(c.msgs) }
