package sms

import "slices"

// ConversationID is the (DID, contact) pair identifying a conversation.
// The order matters: DID is always the account's provisioned number.
type ConversationID struct {
	DID     string
	Contact string
}

// Conversation is a sorted view of the messages between one DID and one
// contact. Drafts sort first, then newest message first, with the local
// identifier as tie-break, so index 0 is always "most recent".
type Conversation struct {
	messages []*Message
}

// NewConversation builds a conversation from an unordered message slice.
func NewConversation(messages []*Message) *Conversation {
	c := &Conversation{messages: slices.Clone(messages)}
	slices.SortStableFunc(c.messages, compareMessages)
	return c
}

func compareMessages(a, b *Message) int {
	if a.IsDraft() != b.IsDraft() {
		if a.IsDraft() {
			return -1
		}
		return 1
	}
	if !a.Time.Equal(b.Time) {
		if a.Time.After(b.Time) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	default:
		return 0
	}
}

// Messages returns the sorted messages.
func (c *Conversation) Messages() []*Message {
	return c.messages
}

// Len returns the number of messages in the conversation.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// MostRecent returns the first message in sort order, or nil if empty.
func (c *Conversation) MostRecent() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[0]
}

// ID returns the conversation key, derived from the most recent message.
// Returns the zero ConversationID for an empty conversation.
func (c *Conversation) ID() ConversationID {
	m := c.MostRecent()
	if m == nil {
		return ConversationID{}
	}
	return m.Conversation()
}

// Unread reports whether the most recent message is unread.
func (c *Conversation) Unread() bool {
	m := c.MostRecent()
	return m != nil && m.Unread
}
