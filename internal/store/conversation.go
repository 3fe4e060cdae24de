package store

import (
	"slices"

	"github.com/mkalil/smsync/internal/sms"
)

// GetConversation returns all non-deleted messages for a (DID, contact)
// pair as a sorted conversation. An unknown pair yields an empty
// conversation, not an error.
func (db *DB) GetConversation(did, contact string) (*sms.Conversation, error) {
	msgs, err := queryMessages(db.DB, `
		SELECT `+messageColumns+` FROM messages
		WHERE did = ? AND contact = ? AND deleted = 0`, did, contact)
	if err != nil {
		return nil, err
	}
	return sms.NewConversation(msgs), nil
}

// AllConversations returns one conversation per distinct contact for a DID,
// ordered most-recent-message-first.
func (db *DB) AllConversations(did string) ([]*sms.Conversation, error) {
	msgs, err := queryMessages(db.DB, `
		SELECT `+messageColumns+` FROM messages
		WHERE did = ? AND deleted = 0`, did)
	if err != nil {
		return nil, err
	}

	byContact := make(map[string][]*sms.Message)
	for _, m := range msgs {
		byContact[m.Contact] = append(byContact[m.Contact], m)
	}

	convs := make([]*sms.Conversation, 0, len(byContact))
	for _, group := range byContact {
		convs = append(convs, sms.NewConversation(group))
	}
	slices.SortFunc(convs, func(a, b *sms.Conversation) int {
		at, bt := a.MostRecent().Time, b.MostRecent().Time
		switch {
		case at.After(bt):
			return -1
		case bt.After(at):
			return 1
		default:
			return 0
		}
	})
	return convs, nil
}

// MarkConversationRead clears the unread flag on every message in a
// conversation.
func (db *DB) MarkConversationRead(did, contact string) error {
	_, err := db.Exec(`
		UPDATE messages SET unread = 0 WHERE did = ? AND contact = ?`, did, contact)
	return err
}
