package store

import (
	"database/sql"

	"github.com/mkalil/smsync/internal/sms"
)

// Tx is a merge transaction. A synchronization batch performs all of its
// reads and writes through one Tx so the merge commits atomically or not
// at all.
type Tx struct {
	tx *sql.Tx
}

// BeginMerge starts a merge transaction.
func (db *DB) BeginMerge() (*Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the merge.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the merge. Safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// InsertMessage persists a new message inside the merge and returns its
// local identifier.
func (t *Tx) InsertMessage(m *sms.Message) (int64, error) {
	return insertMessage(t.tx, m)
}

// UpdateMessage replaces the row matching the message's local identifier.
func (t *Tx) UpdateMessage(m *sms.Message) error {
	return updateMessage(t.tx, m)
}

// MessageByRemoteID returns the row matching a remote identifier, or nil
// if none exists.
func (t *Tx) MessageByRemoteID(did string, remoteID int64) (*sms.Message, error) {
	return messageByRemoteID(t.tx, did, remoteID)
}

// PendingMatches returns unconfirmed outgoing rows that could correspond to
// a server-acknowledged message: same conversation, identical body, no
// remote identifier, timestamp within [from, to].
func (t *Tx) PendingMatches(did, contact, body string, from, to int64) ([]*sms.Message, error) {
	return queryMessages(t.tx, `
		SELECT `+messageColumns+` FROM messages
		WHERE did = ? AND contact = ? AND direction = ?
			AND remote_id IS NULL AND draft = 0 AND deleted = 0
			AND body = ? AND date BETWEEN ? AND ?`,
		did, contact, int(sms.Outgoing), body, from, to)
}

// RemoteIDsBetween returns a remote-id to local-id map for every
// server-acknowledged, non-deleted row of a DID whose timestamp falls
// within [from, to]. Used to propagate remote deletions.
func (t *Tx) RemoteIDsBetween(did string, from, to int64) (map[int64]int64, error) {
	rows, err := t.tx.Query(`
		SELECT remote_id, id FROM messages
		WHERE did = ? AND remote_id IS NOT NULL AND deleted = 0 AND draft = 0
			AND date BETWEEN ? AND ?`, did, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int64]int64)
	for rows.Next() {
		var remoteID, localID int64
		if err := rows.Scan(&remoteID, &localID); err != nil {
			return nil, err
		}
		ids[remoteID] = localID
	}
	return ids, rows.Err()
}

// PurgeMessage removes a row entirely inside the merge.
func (t *Tx) PurgeMessage(id int64) error {
	_, err := t.tx.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// EvictBefore purges non-draft rows of a DID older than the cutoff and
// returns how many were removed.
func (t *Tx) EvictBefore(did string, cutoff int64) (int64, error) {
	res, err := t.tx.Exec(`
		DELETE FROM messages WHERE did = ? AND draft = 0 AND date < ?`, did, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetSyncState updates a checkpoint inside the merge, so the checkpoint
// never advances past a window whose merge did not commit.
func (t *Tx) SetSyncState(key, value string) error {
	return setSyncState(t.tx, key, value)
}
