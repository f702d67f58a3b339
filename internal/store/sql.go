package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQL implements Store over any database/sql driver through sqlx. Queries
// are written with '?' and rebound for the driver.
type SQL struct {
	db     *sqlx.DB
	schema []string
}

// NewSQL wraps db. schema is executed by EnsureSchema.
func NewSQL(db *sqlx.DB, schema ...string) *SQL {
	return &SQL{db: db, schema: schema}
}

// row mirrors Record with a nullable start time.
type row struct {
	Name       string       `db:"name"`
	Phase      string       `db:"phase"`
	PID        int          `db:"pid"`
	StartUnix  int64        `db:"start_unix"`
	Host       string       `db:"host"`
	Port       int          `db:"port"`
	StartedAt  sql.NullTime `db:"started_at"`
	LastError  string       `db:"last_error"`
	RegistryID string       `db:"registry_id"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

func (r row) record() Record {
	rec := Record{
		Name: r.Name, Phase: r.Phase, PID: r.PID, StartUnix: r.StartUnix,
		Host: r.Host, Port: r.Port, LastError: r.LastError, RegistryID: r.RegistryID,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.StartedAt.Valid {
		rec.StartedAt = r.StartedAt.Time.UTC()
	}
	return rec
}

const columns = `name, phase, pid, start_unix, host, port, started_at, last_error, registry_id, updated_at`

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	var started sql.NullTime
	if !rec.StartedAt.IsZero() {
		started = sql.NullTime{Time: rec.StartedAt.UTC(), Valid: true}
	}
	q := s.db.Rebind(`
		INSERT INTO service_state(` + columns + `)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			phase=excluded.phase,
			pid=excluded.pid,
			start_unix=excluded.start_unix,
			host=excluded.host,
			port=excluded.port,
			started_at=excluded.started_at,
			last_error=excluded.last_error,
			registry_id=excluded.registry_id,
			updated_at=excluded.updated_at;`)
	_, err := s.db.ExecContext(ctx, q,
		rec.Name, rec.Phase, rec.PID, rec.StartUnix, rec.Host, rec.Port,
		started, rec.LastError, rec.RegistryID, rec.UpdatedAt.UTC())
	return err
}

func (s *SQL) Load(ctx context.Context) ([]Record, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM service_state ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQL) GetByName(ctx context.Context, name string) (Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+columns+` FROM service_state WHERE name=?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return r.record(), nil
}

func (s *SQL) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM service_state WHERE name=?`), name)
	return err
}

func (s *SQL) Close() error { return s.db.Close() }
