package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
)

// Publisher is the lifecycle handler that mirrors every event onto its task
// topic. It never returns an error: a broken broker must not fail or roll
// back the pipeline.
type Publisher struct {
	Broker  Broker
	Timeout time.Duration
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

func (p *Publisher) Name() string { return "notify.publisher" }

func (p *Publisher) Handle(ctx context.Context, evt lifecycle.Event) error {
	p.Publish(ctx, FromEvent(evt))
	return nil
}

// Publish sends env to Topic(env.TaskID), bounded by Timeout. Failures are
// logged and counted.
func (p *Publisher) Publish(ctx context.Context, env Envelope) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := p.publish(ctx, env); err != nil {
		p.Metrics.Notification("error")
		logger.Warn("notification publish failed",
			"task_id", env.TaskID,
			"stage", string(env.Stage),
			"type", string(env.Type),
			"error", err)
		return
	}
	p.Metrics.Notification("published")
}

func (p *Publisher) publish(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if p.Broker == nil {
		return fmt.Errorf("no broker configured")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return p.Broker.Publish(pctx, Topic(env.TaskID), data)
}
