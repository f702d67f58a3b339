package sqlite

import (
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loykin/servisor/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_state(
		name TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		start_unix INTEGER NOT NULL DEFAULT 0,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NULL,
		last_error TEXT NOT NULL DEFAULT '',
		registry_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_state_phase ON service_state(phase);`,
}

// New opens a SQLite database at path (modernc.org/sqlite, CGO-free).
// Use ":memory:" for an in-memory database.
func New(path string) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	db, err := sqlx.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// in-memory databases are per connection
	if p == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	return store.NewSQL(db, schema...), nil
}
