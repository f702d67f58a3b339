package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/servisor/internal/history"
)

func TestSQLiteSinkIntegration(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	ctx := context.Background()

	start := history.NewEvent(history.EventTransition, "vllm")
	start.From, start.To, start.PID = "Starting", "AwaitingHealth", 4242
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	fail := history.NewEvent(history.EventTransition, "vllm")
	fail.OccurredAt = start.OccurredAt.Add(time.Second)
	fail.From, fail.To, fail.Error = "AwaitingHealth", "Failed", "not ready within 60s"
	if err := sink.Send(ctx, fail); err != nil {
		t.Fatalf("Failed to send fail event: %v", err)
	}

	other := history.NewEvent(history.EventRegistered, "embed")
	if err := sink.Send(ctx, other); err != nil {
		t.Fatalf("Failed to send other event: %v", err)
	}

	got, err := sink.Recent(ctx, "vllm", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].To != "Failed" || got[0].Error == "" {
		t.Fatalf("unexpected newest event: %+v", got[0])
	}
	if got[1].PID != 4242 || got[1].ID != start.ID {
		t.Fatalf("unexpected oldest event: %+v", got[1])
	}
}

func TestSQLiteSinkEmptyPath(t *testing.T) {
	if _, err := New("sqlite://"); err == nil {
		t.Fatal("expected error for empty path")
	}
}
