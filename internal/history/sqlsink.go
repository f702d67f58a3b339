package history

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// SQLSink appends events to the service_history table of a relational
// database. Queries use '?' and are rebound for the driver.
type SQLSink struct {
	db     *sqlx.DB
	schema []string
}

// NewSQLSink creates the schema if missing and returns the sink.
func NewSQLSink(ctx context.Context, db *sqlx.DB, schema ...string) (*SQLSink, error) {
	s := &SQLSink{db: db, schema: schema}
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	var errStr sql.NullString
	if e.Error != "" {
		errStr = sql.NullString{String: e.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO service_history(event_id, occurred_at, event, service, from_phase, to_phase, pid, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`),
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Service, e.From, e.To, e.PID, errStr)
	return err
}

// Recent returns the latest events for service, newest first.
func (s *SQLSink) Recent(ctx context.Context, service string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID         string         `db:"event_id"`
		OccurredAt sql.NullTime   `db:"occurred_at"`
		Type       string         `db:"event"`
		Service    string         `db:"service"`
		From       string         `db:"from_phase"`
		To         string         `db:"to_phase"`
		PID        int            `db:"pid"`
		Error      sql.NullString `db:"error"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT event_id, occurred_at, event, service, from_phase, to_phase, pid, error
		FROM service_history WHERE service=? ORDER BY occurred_at DESC, id DESC LIMIT ?`), service, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			ID: r.ID, Type: EventType(r.Type), OccurredAt: r.OccurredAt.Time.UTC(),
			Service: r.Service, From: r.From, To: r.To, PID: r.PID, Error: r.Error.String,
		})
	}
	return out, nil
}

func (s *SQLSink) Close() error { return s.db.Close() }
