// Package queue carries lifecycle events from their producers to the handler
// bus, either in process or through a durable JetStream stream.
package queue

import (
	"context"

	"briefline/internal/lifecycle"
)

// Sink accepts lifecycle events for delivery.
type Sink interface {
	Enqueue(ctx context.Context, evt lifecycle.Event) error
}

// Direct delivers on the caller's goroutine. Handler errors are returned to
// the producer, which is the only retry path without a broker.
type Direct struct {
	Bus *lifecycle.Bus
}

func (d Direct) Enqueue(ctx context.Context, evt lifecycle.Event) error {
	return d.Bus.Deliver(ctx, evt)
}
