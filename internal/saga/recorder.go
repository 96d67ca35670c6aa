package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"briefline/internal/lifecycle"
	"briefline/internal/repo"
)

// TaskRecorder keeps the task audit row in step with its lifecycle events.
type TaskRecorder struct {
	Env
}

func (r *TaskRecorder) Name() string { return "task.recorder" }

func (r *TaskRecorder) Handle(ctx context.Context, evt lifecycle.Event) error {
	ts := r.now()
	if !evt.OccurredAt.IsZero() {
		ts = evt.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	var (
		ok  bool
		err error
	)
	switch evt.Kind {
	case lifecycle.Started:
		ok, err = r.Repo.MarkTaskProcessing(ctx, nil, evt.TaskID, evt.AgentID, ts)
	case lifecycle.Completed:
		var result []byte
		result, err = json.Marshal(evt.Result.Raw())
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		s := string(result)
		ok, err = r.Repo.CompleteTask(ctx, nil, evt.TaskID, outcome(evt, ts, &s))
	case lifecycle.Failed:
		ok, err = r.Repo.FailTask(ctx, nil, evt.TaskID, outcome(evt, ts, nil))
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("record task %s %s: %w", evt.TaskID, evt.Kind, err)
	}
	if !ok {
		r.logger().Warn("task not updated", "task_id", evt.TaskID, "kind", string(evt.Kind), "stage", string(evt.Stage))
	}
	return nil
}

func outcome(evt lifecycle.Event, ts string, result *string) repo.TaskOutcome {
	o := repo.TaskOutcome{
		ResultJSON:   result,
		TokensInput:  evt.Usage.TokensInput,
		TokensOutput: evt.Usage.TokensOutput,
		Cost:         evt.Usage.Cost,
		DurationMs:   evt.Usage.DurationMs,
		CompletedAt:  ts,
	}
	if evt.Kind == lifecycle.Failed {
		msg := evt.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		o.ErrorMessage = &msg
		if evt.Trace != "" {
			trace := evt.Trace
			o.ErrorTrace = &trace
		}
	}
	return o
}
