package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrConversationNotFound is returned when a conversation id is absent from
// the owner's index.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrOutboxEntryNotFound is returned when a retry targets a message id with
// no failed outbox entry.
var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

// DB wraps a SQLite database connection for the app-owned chatsync.db.
type DB struct {
	*sql.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the write statements
// below run standalone or inside a transaction.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
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
