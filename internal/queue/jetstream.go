package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"briefline/internal/lifecycle"
)

// StreamConfig names the lifecycle stream.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// EnsureStream creates or updates the lifecycle stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{"lifecycle.>"}
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   subjects,
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// JetStream publishes events to lifecycle.<stage>.<kind>.
type JetStream struct {
	JS jetstream.JetStream
}

func (s JetStream) Enqueue(ctx context.Context, evt lifecycle.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	data, err := lifecycle.Encode(evt)
	if err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if id := msgID(evt); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := s.JS.Publish(ctx, lifecycle.Subject(evt), data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", lifecycle.Subject(evt), err)
	}
	return nil
}

// msgID lets the stream drop a producer's duplicate publish of a terminal
// event. Progress events repeat legitimately and carry no id.
func msgID(evt lifecycle.Event) string {
	if evt.Kind == lifecycle.Progress {
		return ""
	}
	return evt.TaskID + "." + string(evt.Kind)
}
