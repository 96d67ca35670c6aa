package saga

import (
	"context"
	"fmt"

	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/workflow"
)

// Recovery reverts a project stuck in a stage's in-progress marker when the
// task owning it fails. It never returns an error.
type Recovery struct {
	Env
	Stage workflow.Stage
	// DeferRecoverable leaves the marker in place for failures the agent
	// flags as recoverable, so a retry can still complete the stage.
	DeferRecoverable bool
}

func (r *Recovery) Name() string { return "recover." + string(r.Stage) }

func (r *Recovery) Handle(ctx context.Context, evt lifecycle.Event) (err error) {
	if evt.Kind != lifecycle.Failed || evt.Stage != r.Stage {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger().Error("recovery panicked", "handler", r.Name(), "task_id", evt.TaskID, "panic", fmt.Sprint(rec))
		}
		err = nil
	}()
	if r.DeferRecoverable && evt.Recoverable {
		r.logger().Info("recoverable failure left for retry", "task_id", evt.TaskID, "stage", string(r.Stage))
		return nil
	}
	projectID, ok := r.projectOf(r.Name(), evt)
	if !ok {
		return nil
	}
	if rerr := r.revert(ctx, projectID, evt); rerr != nil {
		r.logger().Error("recovery failed", "handler", r.Name(), "task_id", evt.TaskID, "project_id", projectID, "error", rerr)
	}
	return nil
}

func (r *Recovery) revert(ctx context.Context, projectID int64, evt lifecycle.Event) error {
	spec := workflow.MustLookup(r.Stage)
	target := spec.RevertTarget(evt.Correlation.RevertTo())

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := r.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		if r.projectMissing(r.Name(), evt, projectID, err) {
			return nil
		}
		return err
	}
	// A newer task owns the marker: this failure is stale.
	if project.ActiveTaskID != "" && project.ActiveTaskID != evt.TaskID {
		r.logger().Info("failure of inactive task ignored", "task_id", evt.TaskID, "active_task_id", project.ActiveTaskID, "project_id", projectID)
		return nil
	}
	if !workflow.Transition(&project, spec.InProgress, target) {
		return nil
	}
	project.ActiveTaskID = ""
	project.UpdatedAt = r.now()
	saved, err := r.Repo.SaveStatus(ctx, tx, project, spec.InProgress)
	if err != nil || !saved {
		return err
	}
	payload := events.EventPayload{
		"stage":       string(r.Stage),
		"task_id":     evt.TaskID,
		"from":        string(spec.InProgress),
		"to":          string(target),
		"error":       evt.Error,
		"recoverable": evt.Recoverable,
	}
	if err := r.Events.Append(ctx, tx, events.StageReverted, projectID, "project", fmt.Sprint(projectID), events.SystemActor, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.Metrics.Transition(string(spec.InProgress), string(target))
	r.logger().Warn("stage reverted", "stage", string(r.Stage), "task_id", evt.TaskID, "project_id", projectID, "to", string(target))
	return nil
}
