package store

import (
	"database/sql"

	"github.com/mkalil/smsync/internal/sms"
)

// Draft returns the draft for a conversation, or nil if none exists.
func (db *DB) Draft(did, contact string) (*sms.Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE did = ? AND contact = ? AND draft = 1`, did, contact))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// SaveDraft stores the draft for a conversation, replacing any existing one.
// A conversation holds at most one draft.
func (db *DB) SaveDraft(m *sms.Message) (*sms.Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE did = ? AND contact = ? AND draft = 1`,
		m.DID, m.Contact); err != nil {
		return nil, err
	}
	id, err := insertMessage(tx, m)
	if err != nil {
		return nil, err
	}
	out := *m
	out.ID = id
	return &out, tx.Commit()
}

// ClearDraft removes the draft for a conversation, if any.
func (db *DB) ClearDraft(did, contact string) error {
	_, err := db.Exec(`
		DELETE FROM messages WHERE did = ? AND contact = ? AND draft = 1`, did, contact)
	return err
}
