package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(ctx context.Context, e Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

// plainSink has no Close method.
type plainSink struct{ n int }

func (p *plainSink) Send(context.Context, Event) error { p.n++; return nil }

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventTransition, "vllm")
	b := NewEvent(EventTransition, "vllm")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "vllm", a.Service)
	assert.WithinDuration(t, time.Now(), a.OccurredAt, time.Second)
}

func TestFanoutDeliversDespiteFailures(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	plain := &plainSink{}
	f := NewFanout(time.Second, bad, good, plain)
	assert.Equal(t, 3, f.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEvent(EventTransition, "svc")
	e.From, e.To = "Starting", "AwaitingHealth"
	f.Emit(ctx, e)

	require.Len(t, good.events, 1)
	assert.Equal(t, "AwaitingHealth", good.events[0].To)
	assert.Equal(t, 1, plain.n)

	require.NoError(t, f.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestNilFanout(t *testing.T) {
	var f *Fanout
	f.Emit(context.Background(), NewEvent(EventRegistered, "x"))
	assert.Zero(t, f.Len())
	assert.NoError(t, f.Close())
}
