package agentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{ExecutorURL: srv.URL + "/", RuntimeURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

func TestClient_ExecuteAndResume(t *testing.T) {
	var paths []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, client.Execute(context.Background(), "r1"))
	require.NoError(t, client.Resume(context.Background(), "r 2"))
	assert.Equal(t, []string{"/runs/r1/execute", "/runs/r 2/resume"}, paths)
}

func TestClient_APIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"executor busy"}`))
	})

	err := client.Resume(context.Background(), "r1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "executor busy", apiErr.Message)
	assert.True(t, apiErr.Retryable())
	assert.Contains(t, err.Error(), "resume run")
}

func TestClient_APIErrorPlainBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such run", http.StatusNotFound)
	})

	err := client.Execute(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "no such run", apiErr.Message)
	assert.False(t, apiErr.Retryable())
}

func TestClient_Pulse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/a1/pulse", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"actions":2}`))
	})

	result, err := client.Pulse(context.Background(), "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions":2}`, string(result))
}

func TestClient_PulseInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := client.Pulse(context.Background(), "a1")
	assert.Error(t, err)
}

func TestClient_NotConfigured(t *testing.T) {
	client := New(Config{}, zap.NewNop())
	assert.ErrorIs(t, client.Execute(context.Background(), "r1"), ErrNotConfigured)

	_, err := client.Pulse(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_ContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Execute(ctx, "r1")
	assert.ErrorIs(t, err, context.Canceled)
}
