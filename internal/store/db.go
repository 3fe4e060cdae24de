package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an update or lookup targets a row that does
// not exist.
var ErrNotFound = errors.New("store: message not found")

// ErrDuplicateRemoteID is returned by InsertMessage when a row with the same
// remote identifier already exists for the DID. Callers that may race a sync
// must use UpsertMessage instead.
var ErrDuplicateRemoteID = errors.New("store: duplicate remote id")

// DB wraps a SQLite database connection for the account-owned messages.db.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// constraintErr maps SQLite unique-constraint violations to
// ErrDuplicateRemoteID and leaves other errors untouched.
func constraintErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return ErrDuplicateRemoteID
	}
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx so the same SQL helpers
// serve direct calls and merge transactions.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}
