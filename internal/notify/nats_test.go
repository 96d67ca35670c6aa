package notify

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded nats not ready")
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSBrokerDeliversPerTopic(t *testing.T) {
	nc := runNATS(t)
	broker := &NATS{Conn: nc, BufferSize: 4}
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, Topic("t-1"))
	require.NoError(t, err)
	other, err := broker.Subscribe(ctx, Topic("t-2"))
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, broker.Publish(ctx, Topic("t-1"), []byte(`{"type":"Progress"}`)))
	select {
	case msg := <-sub.Messages():
		assert.JSONEq(t, `{"type":"Progress"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message on subscribed topic")
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected message on other topic: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.NoError(t, sub.Close())

	_, err = broker.Subscribe(ctx, "tasks/*")
	assert.ErrorIs(t, err, ErrInvalidTopic)
	assert.ErrorIs(t, broker.Publish(ctx, "tasks/>", nil), ErrInvalidTopic)
}

func TestNATSBrokerDropsWhenSubscriberIsSlow(t *testing.T) {
	nc := runNATS(t)
	var dropped atomic.Int32
	broker := &NATS{Conn: nc, BufferSize: 1, OnDrop: func(string) { dropped.Add(1) }}
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := broker.Subscribe(ctx, Topic("t-1"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, broker.Publish(ctx, Topic("t-1"), []byte("x")))
	}
	require.Eventually(t, func() bool { return dropped.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	// cancelling the subscribe context closes the subscription
	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-sub.Messages():
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNATSBrokerReportsClosedConnection(t *testing.T) {
	nc := runNATS(t)
	broker := &NATS{Conn: nc}
	nc.Close()
	assert.ErrorIs(t, broker.Publish(context.Background(), Topic("t-1"), nil), nats.ErrConnectionClosed)
}
