// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servisor/internal/store"
)

// Run exercises s against the store.Store contract.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation must be repeatable")

	_, err := s.GetByName(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, store.Record{
		Name: "vllm", Phase: "Running", PID: 4321, StartUnix: started.Unix(),
		Host: "127.0.0.1", Port: 8000, StartedAt: started, RegistryID: "agent-vllm-127.0.0.1-8000",
	}))
	require.NoError(t, s.Save(ctx, store.Record{Name: "embed", Phase: "Pending"}))

	got, err := s.GetByName(ctx, "vllm")
	require.NoError(t, err)
	assert.Equal(t, "Running", got.Phase)
	assert.Equal(t, 4321, got.PID)
	assert.Equal(t, 8000, got.Port)
	assert.True(t, got.StartedAt.Equal(started), "started_at %v != %v", got.StartedAt, started)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.Save(ctx, store.Record{Name: "vllm", Phase: "Failed", LastError: "process exited"}))
	got, err = s.GetByName(ctx, "vllm")
	require.NoError(t, err)
	assert.Equal(t, "Failed", got.Phase)
	assert.Equal(t, "process exited", got.LastError)
	assert.Zero(t, got.PID)
	assert.True(t, got.StartedAt.IsZero())

	all, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "embed", all[0].Name)
	assert.Equal(t, "vllm", all[1].Name)

	require.NoError(t, s.Delete(ctx, "vllm"))
	require.NoError(t, s.Delete(ctx, "vllm"))
	_, err = s.GetByName(ctx, "vllm")
	require.ErrorIs(t, err, store.ErrNotFound)
}
