package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"briefline/internal/lifecycle"
)

// ErrTaskMismatch marks a reported event that does not describe the task it
// was reported for.
var ErrTaskMismatch = errors.New("event does not match task")

// BindAgentEvent checks an agent-reported event against the stored task and
// replaces the echoed correlation with the one recorded at dispatch.
func (e Engine) BindAgentEvent(ctx context.Context, taskID string, evt lifecycle.Event) (lifecycle.Event, error) {
	if evt.TaskID != taskID {
		return evt, fmt.Errorf("%w: event is for task %s", ErrTaskMismatch, evt.TaskID)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return evt, err
	}
	if evt.Stage != t.Stage {
		return evt, fmt.Errorf("%w: task %s runs stage %s, not %s", ErrTaskMismatch, taskID, t.Stage, evt.Stage)
	}
	if id, ok := evt.Correlation.ProjectID(); ok && id != t.ProjectID {
		return evt, fmt.Errorf("%w: task %s belongs to project %d", ErrTaskMismatch, taskID, t.ProjectID)
	}
	var stored lifecycle.Correlation
	if err := json.Unmarshal([]byte(t.ContextJSON), &stored); err != nil {
		return evt, fmt.Errorf("task %s context: %w", taskID, err)
	}
	evt.Correlation = stored
	return evt, nil
}
