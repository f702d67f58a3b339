package opensearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servisor/internal/history"
)

func TestSendIndexesByEventID(t *testing.T) {
	var gotPath string
	var got history.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL + "/", Index: "svc-history"})
	e := history.NewEvent(history.EventDeregistered, "vllm")
	require.NoError(t, s.Send(context.Background(), e))
	assert.Equal(t, "PUT /svc-history/_doc/"+e.ID, gotPath)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, history.EventDeregistered, got.Type)
}

func TestSendDailyIndexWithAuth(t *testing.T) {
	var gotPath, user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL, Index: "hist", Daily: true, Username: "admin", Password: "pw"})
	e := history.NewEvent(history.EventTransition, "x")
	e.OccurredAt = time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	require.NoError(t, s.Send(context.Background(), e))
	assert.Equal(t, "/hist-2026.03.07/_doc/"+e.ID, gotPath)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "pw", pass)
}

func TestSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer srv.Close()
	err := New(Options{BaseURL: srv.URL, Index: "idx"}).Send(context.Background(), history.NewEvent(history.EventTransition, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
