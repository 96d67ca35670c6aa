package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
)

type action int

const (
	actionAck action = iota
	actionNak
	actionTerm
	actionDeadLetter
)

func (a action) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionNak:
		return "nak"
	case actionTerm:
		return "term"
	case actionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// classify decides the fate of a delivery. Malformed payloads are never
// retried; handler errors are retried until the delivery budget is spent.
func classify(err error, delivered uint64, maxDeliver int) action {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, lifecycle.ErrMalformedEvent):
		return actionTerm
	case maxDeliver > 0 && delivered >= uint64(maxDeliver):
		return actionDeadLetter
	default:
		return actionNak
	}
}

// Worker consumes the lifecycle stream through a durable consumer and feeds
// the bus, one message at a time.
type Worker struct {
	JS                jetstream.JetStream
	Stream            string
	Consumer          string
	Bus               *lifecycle.Bus
	MaxDeliver        int
	AckWait           time.Duration
	NakDelay          time.Duration
	DeadLetterSubject string
	// HandleTimeout bounds one delivery.
	HandleTimeout time.Duration
	Metrics       *metrics.Registry
	Logger        *slog.Logger
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run consumes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	stream, err := w.JS.Stream(ctx, w.Stream)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", w.Stream, err)
	}
	ackWait := w.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable: w.Consumer,
		// two tokens past the prefix: dead letters stay in the stream unconsumed
		FilterSubject: "lifecycle.*.*",
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    w.MaxDeliver,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", w.Consumer, err)
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		w.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", w.Consumer, err)
	}
	w.logger().Info("lifecycle worker started", "stream", w.Stream, "consumer", w.Consumer)
	<-ctx.Done()
	cc.Stop()
	w.logger().Info("lifecycle worker stopped", "consumer", w.Consumer)
	return nil
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) {
	timeout := w.HandleTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}
	evt, err := lifecycle.Decode(msg.Data())
	if err == nil {
		err = w.Bus.Deliver(hctx, evt)
	}
	act := classify(err, delivered, w.MaxDeliver)
	logger := w.logger().With("subject", msg.Subject(), "task_id", evt.TaskID, "delivered", delivered, "action", act.String())

	switch act {
	case actionAck:
		if aerr := msg.Ack(); aerr != nil {
			logger.Error("ack failed", "error", aerr)
		}
	case actionTerm:
		logger.Error("malformed lifecycle event terminated", "error", err)
		w.Metrics.Dropped(metrics.DropMalformed)
		_ = msg.Term()
	case actionNak:
		logger.Warn("lifecycle delivery failed, will retry", "error", err)
		_ = msg.NakWithDelay(w.nakDelay(delivered))
	case actionDeadLetter:
		logger.Error("lifecycle delivery exhausted, dead-lettering", "error", err)
		w.Metrics.Dropped(metrics.DropDeadLetter)
		if w.DeadLetterSubject != "" {
			if _, perr := w.JS.Publish(hctx, w.DeadLetterSubject, msg.Data()); perr != nil {
				logger.Error("dead letter publish failed", "error", perr)
			}
		}
		_ = msg.Term()
	}
}

func (w *Worker) nakDelay(delivered uint64) time.Duration {
	step := w.NakDelay
	if step <= 0 {
		step = time.Second
	}
	return step * time.Duration(delivered)
}
