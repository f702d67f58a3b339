package sqlite

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loykin/servisor/internal/history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_history(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		event TEXT NOT NULL,
		service TEXT NOT NULL,
		from_phase TEXT NOT NULL DEFAULT '',
		to_phase TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		error TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
}

// New opens a SQLite history sink. path may carry the "sqlite://" prefix.
func New(path string) (*history.SQLSink, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "sqlite://")
	if p == "" {
		return nil, errors.New("empty sqlite path for history sink")
	}
	db, err := sqlx.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if p == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s, err := history.NewSQLSink(context.Background(), db, schema...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
