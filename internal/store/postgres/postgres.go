package postgres

import (
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/loykin/servisor/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_state(
		name TEXT PRIMARY KEY,
		phase TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		start_unix BIGINT NOT NULL DEFAULT 0,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NULL,
		last_error TEXT NOT NULL DEFAULT '',
		registry_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_state_phase ON service_state(phase);`,
}

// New opens a PostgreSQL store through the pgx stdlib driver.
func New(dsn string) (*store.SQL, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sqlx.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(db, schema...), nil
}
