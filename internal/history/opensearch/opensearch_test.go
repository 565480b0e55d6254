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

	"github.com/tomhay/moltworker/internal/history"
)

func TestSendIndexesEvent(t *testing.T) {
	var gotPath, gotUser string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := New(Options{BaseURL: ts.URL + "/", Index: "idx", Username: "ops", Password: "pw"})
	defer func() { _ = sink.Close() }()
	e := history.Event{Type: history.EventKill, OccurredAt: time.Now().UTC(), ProcessID: "proc-9", Reason: "unreachable"}
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, "/idx/_doc", gotPath)
	assert.Equal(t, "ops", gotUser)
	var m map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &m))
	assert.Equal(t, "proc-9", m["process_id"])
	assert.Equal(t, "kill", m["type"])
	assert.Equal(t, "unreachable", m["reason"])
}

func TestDailyIndex(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sink := New(Options{BaseURL: ts.URL, Daily: true})
	at := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventLaunch, OccurredAt: at}))
	assert.Equal(t, "/"+DefaultIndex+"-2026.03.04/_doc", gotPath)
}

func TestSendErrorStatusIncludesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer ts.Close()
	err := New(Options{BaseURL: ts.URL}).Send(context.Background(), history.Event{Type: history.EventLaunch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
