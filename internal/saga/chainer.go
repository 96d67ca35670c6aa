package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"briefline/internal/dispatch"
	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/notify"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

// Notifier publishes an envelope without failing the caller.
type Notifier interface {
	Publish(ctx context.Context, env notify.Envelope)
}

// Chainer dispatches the successor of Source when Source completes. It reads
// rows committed by the persisters, so it must run after them.
type Chainer struct {
	Env
	Source     workflow.Stage
	Dispatcher Dispatcher
	Notifier   Notifier
}

func (c *Chainer) Name() string { return "chain." + string(c.Source) }

func (c *Chainer) Handle(ctx context.Context, evt lifecycle.Event) error {
	if evt.Kind != lifecycle.Completed || evt.Stage != c.Source {
		return nil
	}
	spec := workflow.MustLookup(c.Source)
	if spec.Next == "" {
		return nil
	}
	projectID, ok := c.projectOf(c.Name(), evt)
	if !ok {
		return nil
	}
	project, err := c.Repo.GetProject(ctx, projectID)
	if err != nil {
		if c.projectMissing(c.Name(), evt, projectID, err) {
			return nil
		}
		return fmt.Errorf("chain load project %d: %w", projectID, err)
	}

	existing, err := c.Repo.FindChainedTask(ctx, nil, evt.TaskID)
	switch {
	case err == nil:
		c.logger().Info("successor already dispatched", "task_id", evt.TaskID, "next_task_id", existing.UUID, "project_id", projectID)
		c.announce(ctx, evt, spec.Next, existing.UUID)
		return nil
	case !errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("chain lookup successor of %s: %w", evt.TaskID, err)
	}

	if project.Status != spec.InProgress || (project.ActiveTaskID != "" && project.ActiveTaskID != evt.TaskID) {
		c.logger().Warn("chain skipped, source task no longer owns the project",
			"task_id", evt.TaskID, "project_id", projectID, "status", string(project.Status), "active_task_id", project.ActiveTaskID)
		return nil
	}

	competitors, err := c.Repo.ListCompetitors(ctx, nil, projectID)
	if err != nil {
		return fmt.Errorf("chain load competitors: %w", err)
	}
	analyses, err := c.Repo.ListAnalyses(ctx, nil, projectID)
	if err != nil {
		return fmt.Errorf("chain load analyses: %w", err)
	}

	brief := map[string]any{}
	if project.BriefJSON != "" {
		if err := json.Unmarshal([]byte(project.BriefJSON), &brief); err != nil {
			c.logger().Warn("project brief is not a JSON object", "project_id", projectID, "error", err)
			brief = map[string]any{}
		}
	}
	brief["name"] = project.Name
	brief["sector"] = project.Sector

	selected := []map[string]any{}
	for _, comp := range competitors {
		if !comp.Selected {
			continue
		}
		selected = append(selected, rawRow(comp.RawJSON, map[string]any{"id": comp.ID, "name": comp.Name}))
	}
	rows := make([]map[string]any, 0, len(analyses))
	for _, a := range analyses {
		rows = append(rows, rawRow(a.RawJSON, map[string]any{"competitor": a.Competitor, "summary": a.Summary}))
	}
	brief["competitors"] = selected
	brief["competitorAnalysis"] = evt.Result.Raw()
	brief["analyses"] = rows

	userID := evt.Correlation.UserID()
	if userID <= 0 {
		userID = project.OwnerID
	}
	nextID, err := c.Dispatcher.Dispatch(ctx, spec.Next, brief, dispatch.Options{
		ProjectID:   projectID,
		UserID:      userID,
		Extra:       evt.Correlation.Extra(),
		RevertTo:    evt.Correlation.RevertTo(),
		ChainedFrom: evt.TaskID,
		ActorID:     events.SystemActor,
	})
	if err != nil {
		return fmt.Errorf("chain %s to %s: %w", c.Source, spec.Next, err)
	}
	c.logger().Info("stage chained", "task_id", evt.TaskID, "next_task_id", nextID, "stage", string(spec.Next), "project_id", projectID, "selected_competitors", len(selected))
	c.announce(ctx, evt, spec.Next, nextID)
	return nil
}

// announce tells the source task's subscribers that the successor started.
func (c *Chainer) announce(ctx context.Context, evt lifecycle.Event, next workflow.Stage, nextID string) {
	if c.Notifier == nil {
		return
	}
	c.Notifier.Publish(ctx, notify.Envelope{
		Type:      lifecycle.Started,
		TaskID:    evt.TaskID,
		Stage:     next,
		Payload:   map[string]any{"nextTaskId": nextID},
		Timestamp: c.now(),
	})
}

func rawRow(raw string, fallback map[string]any) map[string]any {
	var m map[string]any
	if raw != "" && json.Unmarshal([]byte(raw), &m) == nil && m != nil {
		return m
	}
	return fallback
}
