package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mkalil/smsync/internal/sms"
)

const messageColumns = `id, remote_id, did, contact, direction, body, date, unread, deleted, delivered, delivery_in_progress, draft, client_ref`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*sms.Message, error) {
	var (
		m         sms.Message
		remoteID  sql.NullInt64
		direction int
		date      int64
		unread    int
		deleted   int
		delivered int
		inFlight  int
		draft     int
	)
	err := s.Scan(&m.ID, &remoteID, &m.DID, &m.Contact, &direction, &m.Body, &date,
		&unread, &deleted, &delivered, &inFlight, &draft, &m.ClientRef)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		m.RemoteID = remoteID.Int64
	}
	m.Direction = sms.Direction(direction)
	m.Time = time.Unix(date, 0).UTC()
	m.Unread = unread == 1
	m.Deleted = deleted == 1
	m.Delivery = deliveryFromFlags(delivered == 1, inFlight == 1, draft == 1)
	return &m, nil
}

// deliveryFromFlags maps the persisted 0/1 lifecycle columns back to the
// DeliveryState progression. All flags clear means a terminal failure.
func deliveryFromFlags(delivered, inFlight, draft bool) sms.DeliveryState {
	switch {
	case draft:
		return sms.Draft
	case inFlight:
		return sms.Pending
	case delivered:
		return sms.Delivered
	default:
		return sms.Failed
	}
}

func flagsFromDelivery(state sms.DeliveryState) (delivered, inFlight, draft int) {
	switch state {
	case sms.Draft:
		return 0, 0, 1
	case sms.Pending:
		return 0, 1, 0
	case sms.Delivered:
		return 1, 0, 0
	default:
		return 0, 0, 0
	}
}

func nullableRemoteID(m *sms.Message) sql.NullInt64 {
	return sql.NullInt64{Int64: m.RemoteID, Valid: m.RemoteID != 0}
}

func boolFlag(v bool) int {
	if v {
		return 1
	}
	return 0
}

func insertMessage(q querier, m *sms.Message) (int64, error) {
	delivered, inFlight, draft := flagsFromDelivery(m.Delivery)
	res, err := q.Exec(`
		INSERT INTO messages (remote_id, did, contact, direction, body, date, unread, deleted, delivered, delivery_in_progress, draft, client_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableRemoteID(m), m.DID, m.Contact, int(m.Direction), m.Body, m.Time.Unix(),
		boolFlag(m.Unread), boolFlag(m.Deleted), delivered, inFlight, draft, m.ClientRef,
		time.Now().UnixMilli())
	if err != nil {
		return 0, constraintErr(err)
	}
	return res.LastInsertId()
}

func updateMessage(q querier, m *sms.Message) error {
	delivered, inFlight, draft := flagsFromDelivery(m.Delivery)
	res, err := q.Exec(`
		UPDATE messages
		SET remote_id = ?, did = ?, contact = ?, direction = ?, body = ?, date = ?,
			unread = ?, deleted = ?, delivered = ?, delivery_in_progress = ?, draft = ?, client_ref = ?
		WHERE id = ?`,
		nullableRemoteID(m), m.DID, m.Contact, int(m.Direction), m.Body, m.Time.Unix(),
		boolFlag(m.Unread), boolFlag(m.Deleted), delivered, inFlight, draft, m.ClientRef,
		m.ID)
	if err != nil {
		return constraintErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func messageByID(q querier, id int64) (*sms.Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func messageByRemoteID(q querier, did string, remoteID int64) (*sms.Message, error) {
	m, err := scanMessage(q.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE did = ? AND remote_id = ?`, did, remoteID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func queryMessages(q querier, query string, args ...any) ([]*sms.Message, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*sms.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertMessage persists a new message and returns a copy with the assigned
// local identifier. Fails with ErrDuplicateRemoteID if a row with the same
// remote identifier already exists for the DID.
func (db *DB) InsertMessage(m *sms.Message) (*sms.Message, error) {
	id, err := insertMessage(db.DB, m)
	if err != nil {
		return nil, err
	}
	out := *m
	out.ID = id
	return &out, nil
}

// UpsertMessage inserts the message, or, if a row with the same remote
// identifier already exists, replaces its mutable fields while preserving
// the existing local identifier.
func (db *DB) UpsertMessage(m *sms.Message) (*sms.Message, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := *m
	if m.RemoteID != 0 {
		existing, err := messageByRemoteID(tx, m.DID, m.RemoteID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			out.ID = existing.ID
			if err := updateMessage(tx, &out); err != nil {
				return nil, err
			}
			return &out, tx.Commit()
		}
	}
	id, err := insertMessage(tx, m)
	if err != nil {
		return nil, err
	}
	out.ID = id
	return &out, tx.Commit()
}

// UpdateMessage replaces the row matching the message's local identifier.
// Returns ErrNotFound if no such row exists.
func (db *DB) UpdateMessage(m *sms.Message) error {
	return updateMessage(db.DB, m)
}

// GetMessage returns the message with the given local identifier.
func (db *DB) GetMessage(id int64) (*sms.Message, error) {
	return messageByID(db.DB, id)
}

// MarkMessageDeleted soft-deletes a message. The row remains until the user
// clears it or retention eviction purges it.
func (db *DB) MarkMessageDeleted(id int64) error {
	res, err := db.Exec(`UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeMessage removes a row entirely.
func (db *DB) PurgeMessage(id int64) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// RemoveAllMessages wipes every message and sync checkpoint. Used for
// account reset.
func (db *DB) RemoveAllMessages() error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sync_state`); err != nil {
		return err
	}
	return tx.Commit()
}

// FailPendingSends marks every in-flight outgoing message without a remote
// identifier as failed. Called on startup: the outcome of a submission that
// was interrupted by a crash is unknown, and resubmitting could send the
// same SMS twice.
func (db *DB) FailPendingSends() (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET delivery_in_progress = 0
		WHERE direction = ? AND draft = 0 AND delivery_in_progress = 1 AND remote_id IS NULL`,
		int(sms.Outgoing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeletedRemoteMessages returns soft-deleted, server-acknowledged messages
// for a DID, used to propagate local deletions to the provider.
func (db *DB) DeletedRemoteMessages(did string) ([]*sms.Message, error) {
	msgs, err := queryMessages(db.DB, `
		SELECT `+messageColumns+` FROM messages
		WHERE did = ? AND deleted = 1 AND draft = 0 AND remote_id IS NOT NULL`, did)
	if err != nil {
		return nil, fmt.Errorf("deleted remote messages: %w", err)
	}
	return msgs, nil
}
