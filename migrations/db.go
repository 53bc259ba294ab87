package migrations

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open opens the SQLite database at path and brings the schema up to date.
// In-memory databases are pinned to a single connection so every query sees the
// same database.
func Open(path string, logger zerolog.Logger) (*sql.DB, error) {
	dsn := path
	if path != MemoryPath && !strings.Contains(path, "?") {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := RunMigrations(db, logger); err != nil {
		_ = db.Close() //nolint:errcheck // Cleanup on error
		return nil, err
	}
	return db, nil
}
