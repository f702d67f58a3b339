package factory

import (
	"errors"
	"strings"

	"github.com/loykin/servisor/internal/store"
	"github.com/loykin/servisor/internal/store/file"
	pg "github.com/loykin/servisor/internal/store/postgres"
	sq "github.com/loykin/servisor/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - file:     "file://<path>" or a bare path ending in .json
//   - sqlite:   "sqlite://<path>" or any other bare path
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	case strings.HasPrefix(ld, "file://"):
		return file.New(d[len("file://"):])
	case strings.HasSuffix(ld, ".json"):
		return file.New(d)
	}
	return sq.New(d)
}
