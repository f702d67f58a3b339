package factory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servisor/internal/store"
	"github.com/loykin/servisor/internal/store/file"
)

func TestNewFromDSN(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFromDSN("file://" + filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, s)

	s, err = NewFromDSN(filepath.Join(dir, "other.json"))
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, s)

	s, err = NewFromDSN("sqlite://" + filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	assert.IsType(t, &store.SQL{}, s)
	_ = s.Close()

	_, err = NewFromDSN("   ")
	require.Error(t, err)
}

func TestNewFromDSNPostgresIsLazy(t *testing.T) {
	// sqlx.Open does not dial, so an unreachable DSN still constructs.
	s, err := NewFromDSN("postgres://u:p@127.0.0.1:1/db?sslmode=disable")
	require.NoError(t, err)
	assert.IsType(t, &store.SQL{}, s)
	_ = s.Close()
}
