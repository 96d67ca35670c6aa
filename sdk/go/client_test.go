package briefsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForPollsUntilStrategyIsVisible(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/projects/4/status", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		n := calls.Add(1)
		json.NewEncoder(w).Encode(StatusReport{ProjectID: 4, Status: "strategy_generated", HasStrategy: n >= 3})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	r, err := c.WaitFor(context.Background(), 4, 5, time.Millisecond, func(r StatusReport) bool { return r.HasStrategy })
	require.NoError(t, err)
	assert.True(t, r.HasStrategy)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(StatusReport{ProjectID: 4})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").WaitFor(context.Background(), 4, 3, time.Millisecond, func(r StatusReport) bool { return r.HasStrategy })
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitForStopsOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"forbidden"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").WaitFor(context.Background(), 4, 10, time.Millisecond, func(StatusReport) bool { return true })
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/projects/2/stages/persona", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"brief": map[string]any{"tone": "bold"}}, body)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(StageStart{TaskID: "t-1", Stage: "persona", Topic: "tasks/t-1"})
	}))
	defer srv.Close()

	started, err := New(srv.URL, "tok").StartStage(context.Background(), 2, "persona", map[string]any{"tone": "bold"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", started.TaskID)
}

func TestWatchReturnsTerminalEnvelopeAndReportsSlowTasks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/topics/tasks/t-1", r.URL.Path)
		assert.Equal(t, "topic-token", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Envelope{Type: "progress", TaskID: "t-1", Stage: "competitor_analysis"})
		<-release
		conn.WriteJSON(Envelope{Type: "started", TaskID: "t-1", Stage: "strategy", Payload: json.RawMessage(`{"nextTaskId":"t-2"}`)})
		conn.WriteJSON(Envelope{Type: "completed", TaskID: "t-1", Stage: "competitor_analysis"})
		conn.ReadMessage()
	}))
	defer srv.Close()

	var slow atomic.Int32
	var next string
	var seen []string
	env, err := New(srv.URL, "").Watch(context.Background(), "t-1", WatchOptions{
		Token:     "topic-token",
		SlowAfter: 20 * time.Millisecond,
		OnSlow: func(taskID string) {
			assert.Equal(t, "t-1", taskID)
			slow.Add(1)
			close(release)
		},
		OnEnvelope: func(e Envelope) {
			seen = append(seen, e.Type)
			if id := e.NextTaskID(); id != "" {
				next = id
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", env.Type)
	assert.Equal(t, int32(1), slow.Load())
	assert.Equal(t, "t-2", next)
	assert.Equal(t, []string{"progress", "started", "completed"}, seen)
}

func TestTopicURL(t *testing.T) {
	c := New("https://api.example.com/", "")
	assert.Equal(t, "wss://api.example.com/topics/tasks/t-1?token=a%2Bb", c.topicURL("t-1", "a+b"))
}
