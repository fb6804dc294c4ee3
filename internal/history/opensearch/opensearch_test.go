package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clusterd/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "clusters")
	err := sink.Send(context.Background(), history.Event{
		Type:       history.EventExit,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{WorkerID: 2, PID: 99, Cause: "SIGKILL"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/clusters/_doc", gotPath)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &doc))
	assert.Equal(t, "exit", doc["type"])
	rec, ok := doc["record"].(map[string]any)
	require.True(t, ok, "missing record in payload: %v", doc)
	assert.EqualValues(t, 2, rec["worker_id"])
	assert.Equal(t, "SIGKILL", rec["cause"])
}

func TestOpenSearchSink_DefaultIndex(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, "").Send(context.Background(), history.Event{Type: history.EventShutdown}))
	assert.Equal(t, "/"+DefaultIndex+"/_doc", gotPath)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventSpawn})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
