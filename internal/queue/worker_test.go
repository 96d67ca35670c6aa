package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
	"briefline/internal/workflow"
)

func runJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded nats not ready")
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	return js
}

func completedEvent(taskID string) lifecycle.Event {
	corr := lifecycle.NewCorrelation(lifecycle.CorrelationFields{ProjectID: 1, UserID: 9, Stage: workflow.StagePersona})
	return lifecycle.Event{Kind: lifecycle.Completed, TaskID: taskID, Stage: workflow.StagePersona, Correlation: corr}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	js := runJetStream(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := EnsureStream(ctx, js, StreamConfig{Name: "LIFECYCLE"})
	require.NoError(t, err)

	var mu sync.Mutex
	attempts := map[string]int{}
	count := func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return attempts[id]
	}
	bus := lifecycle.NewBus(nil)
	bus.On(lifecycle.Completed, lifecycle.HandlerFunc{ID: "persist.persona", Fn: func(_ context.Context, evt lifecycle.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[evt.TaskID]++
		if evt.TaskID == "t-poison" || attempts[evt.TaskID] < 2 {
			return errors.New("database is locked")
		}
		return nil
	}})

	reg := metrics.New()
	w := &Worker{
		JS:                js,
		Stream:            "LIFECYCLE",
		Consumer:          "saga",
		Bus:               bus,
		MaxDeliver:        3,
		NakDelay:          10 * time.Millisecond,
		DeadLetterSubject: "lifecycle.dead",
		Metrics:           reg,
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	sink := JetStream{JS: js}
	require.NoError(t, sink.Enqueue(ctx, completedEvent("t-flaky")))
	require.NoError(t, sink.Enqueue(ctx, completedEvent("t-poison")))
	_, err = js.Publish(ctx, "lifecycle.persona.Completed", []byte(`{"type":"Completed"`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count("t-flaky") == 2 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := stream.GetLastMsgForSubject(ctx, "lifecycle.dead")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	dead, err := stream.GetLastMsgForSubject(ctx, "lifecycle.dead")
	require.NoError(t, err)
	evt, err := lifecycle.Decode(dead.Data)
	require.NoError(t, err)
	assert.Equal(t, "t-poison", evt.TaskID)
	assert.Equal(t, 3, count("t-poison"))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.EventsDropped.WithLabelValues(metrics.DropDeadLetter)))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.EventsDropped.WithLabelValues(metrics.DropMalformed)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// dead letters are stored but never fed back to the saga
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, count("t-poison"))

	cancel()
	require.NoError(t, <-done)
}

func TestJetStreamSinkDropsDuplicateTerminalEvents(t *testing.T) {
	js := runJetStream(t)
	ctx := context.Background()
	stream, err := EnsureStream(ctx, js, StreamConfig{Name: "LIFECYCLE"})
	require.NoError(t, err)

	sink := JetStream{JS: js}
	require.NoError(t, sink.Enqueue(ctx, completedEvent("t-1")))
	require.NoError(t, sink.Enqueue(ctx, completedEvent("t-1")))
	progress := lifecycle.Event{Kind: lifecycle.Progress, TaskID: "t-1", Stage: workflow.StagePersona}
	require.NoError(t, sink.Enqueue(ctx, progress))
	require.NoError(t, sink.Enqueue(ctx, progress))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.State.Msgs)

	err = sink.Enqueue(ctx, lifecycle.Event{Kind: lifecycle.Completed, Stage: workflow.StagePersona})
	assert.True(t, errors.Is(err, lifecycle.ErrMalformedEvent))
}
