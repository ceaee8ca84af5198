// Package store is the durable transcript repository: sessions, segments,
// summaries, and topics, backed by a single-writer SQLite database opened
// in WAL mode with foreign keys enforced.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the underlying connection pool. Every write goes through the
// methods on DB, which is the single owner of the writer connection;
// concurrent external readers are supported by WAL mode.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL journaling and foreign key enforcement, and applies any pending
// migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows only one writer; a pure-Go single connection keeps
	// writes serialized without an extra application-level mutex.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
