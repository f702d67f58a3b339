package postgres

import (
	"context"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/loykin/servisor/internal/history"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_history(
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		event TEXT NOT NULL,
		service TEXT NOT NULL,
		from_phase TEXT NOT NULL DEFAULT '',
		to_phase TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		error TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_history_service ON service_history(service);`,
}

// New connects to PostgreSQL (pgx stdlib) and ensures the history table.
func New(dsn string) (*history.SQLSink, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres dsn for history sink")
	}
	db, err := sqlx.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	s, err := history.NewSQLSink(context.Background(), db, schema...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
