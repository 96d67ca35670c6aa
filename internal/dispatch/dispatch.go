// Package dispatch submits stage work to generation agents and records the
// task that tracks it.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"briefline/internal/agent"
	"briefline/internal/domain"
	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

var (
	// ErrMissingCorrelation is returned when projectId or userId is absent.
	ErrMissingCorrelation = errors.New("dispatch options require projectId and userId")
	// ErrNoAgent is returned when no agent serves the stage.
	ErrNoAgent = errors.New("no agent configured for stage")
	// ErrAgentUnavailable wraps the last submission error once retries ran out.
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Options carry the correlation of a dispatch.
type Options struct {
	ProjectID int64
	UserID    int64
	// Extra keys are copied verbatim into the correlation context.
	Extra map[string]any
	// MarkInProgress flips the project to the stage's in-progress marker
	// before the agent is contacted.
	MarkInProgress bool
	// RevertTo overrides the recorded prior status when MarkInProgress is false.
	RevertTo workflow.Status
	// ChainedFrom is the source task when the chainer dispatches.
	ChainedFrom string
	ActorID     string
}

// OptionsFromMap reads the loosely typed options form. projectId and userId
// are mandatory; every other key lands in Extra.
func OptionsFromMap(m map[string]any) (Options, error) {
	projectID, ok := lifecycle.IDFromAny(m["projectId"])
	if !ok {
		return Options{}, fmt.Errorf("%w: projectId", ErrMissingCorrelation)
	}
	userID, ok := lifecycle.IDFromAny(m["userId"])
	if !ok {
		return Options{}, fmt.Errorf("%w: userId", ErrMissingCorrelation)
	}
	opts := Options{ProjectID: projectID, UserID: userID, Extra: map[string]any{}}
	for k, v := range m {
		switch k {
		case "projectId", "userId":
		case "markInProgress":
			opts.MarkInProgress, _ = v.(bool)
		case "chainedFrom":
			opts.ChainedFrom, _ = v.(string)
		default:
			opts.Extra[k] = v
		}
	}
	return opts, nil
}

type Dispatcher struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Agents agent.Registry
	// CallbackURL builds the URL agents report lifecycle events to.
	CallbackURL func(taskID string) string
	// CallbackToken mints the bearer token the agent reports with.
	CallbackToken func(taskID string) (string, error)

	MaxAttempts uint64
	BackoffStep time.Duration
	Metrics     *metrics.Registry
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dispatch records a pending task, submits it to the stage's agent and returns
// the task id without waiting for generation. A submission that still fails
// after the retry budget marks the task failed, undoes the status flip and
// returns the error.
func (d *Dispatcher) Dispatch(ctx context.Context, stage workflow.Stage, brief map[string]any, opts Options) (string, error) {
	if opts.ProjectID <= 0 || opts.UserID <= 0 {
		return "", ErrMissingCorrelation
	}
	spec, ok := workflow.Lookup(stage)
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	binding, ok := d.Agents.Lookup(stage)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAgent, stage)
	}
	if brief == nil {
		brief = map[string]any{}
	}

	taskID := uuid.NewString()
	if d.NewID != nil {
		taskID = d.NewID()
	}
	ts := d.now().UTC().Format(time.RFC3339Nano)

	corr, err := d.begin(ctx, spec, binding.ID, taskID, brief, opts, ts)
	if err != nil {
		return "", err
	}
	sub := agent.Submission{
		TaskID:  taskID,
		Stage:   stage,
		AgentID: binding.ID,
		Brief:   brief,
		Context: corr.Map(),
	}
	if d.CallbackURL != nil {
		sub.CallbackURL = d.CallbackURL(taskID)
	}
	if d.CallbackToken != nil {
		token, err := d.CallbackToken(taskID)
		if err != nil {
			err = fmt.Errorf("callback token: %w", err)
			if ferr := d.abort(context.WithoutCancel(ctx), spec, taskID, corr.RevertTo(), opts, err); ferr != nil {
				d.logger().Error("record dispatch failure", "task_id", taskID, "stage", string(stage), "error", ferr)
			}
			return "", err
		}
		sub.CallbackToken = token
	}

	if err := d.submit(ctx, binding.Agent, sub); err != nil {
		if ferr := d.abort(context.WithoutCancel(ctx), spec, taskID, corr.RevertTo(), opts, err); ferr != nil {
			d.logger().Error("record dispatch failure", "task_id", taskID, "stage", string(stage), "error", ferr)
		}
		return "", fmt.Errorf("dispatch %s: %w: %w", stage, ErrAgentUnavailable, err)
	}
	d.logger().Info("stage dispatched", "task_id", taskID, "stage", string(stage), "project_id", opts.ProjectID, "agent_id", binding.ID)
	return taskID, nil
}

// begin flips the project status when asked, records the active task and
// inserts the pending task row, all in one transaction. The returned
// correlation records the status to restore on failure.
func (d *Dispatcher) begin(ctx context.Context, spec workflow.StageSpec, agentID, taskID string, brief map[string]any, opts Options, ts string) (lifecycle.Correlation, error) {
	var none lifecycle.Correlation
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return none, err
	}
	defer tx.Rollback()

	project, err := d.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return none, fmt.Errorf("project %d: %w", opts.ProjectID, err)
	}
	prior := opts.RevertTo
	current := project.Status
	switch {
	case opts.MarkInProgress:
		if !spec.CanDispatchFrom(current) {
			return none, fmt.Errorf("start %s from %s: %w", spec.Stage, current, workflow.ErrIllegalTransition)
		}
		if !workflow.Transition(&project, current, spec.InProgress) {
			return none, fmt.Errorf("start %s from %s: %w", spec.Stage, current, workflow.ErrIllegalTransition)
		}
		prior = current
		project.ActiveTaskID = taskID
	case current == spec.InProgress:
		// chained dispatch: the marker is already set, the new task takes over
		project.ActiveTaskID = taskID
	}
	if project.ActiveTaskID == taskID {
		project.UpdatedAt = ts
		ok, err := d.Repo.SaveStatus(ctx, tx, project, current)
		if err != nil {
			return none, err
		}
		if !ok {
			return none, fmt.Errorf("project %d changed status concurrently: %w", opts.ProjectID, workflow.ErrIllegalTransition)
		}
	}

	corr := lifecycle.NewCorrelation(lifecycle.CorrelationFields{
		ProjectID:   opts.ProjectID,
		UserID:      opts.UserID,
		Stage:       spec.Stage,
		RevertTo:    prior,
		ChainedFrom: opts.ChainedFrom,
		Extra:       opts.Extra,
	})
	ctxJSON, err := json.Marshal(corr)
	if err != nil {
		return none, err
	}
	argsJSON, err := json.Marshal(brief)
	if err != nil {
		return none, fmt.Errorf("encode brief: %w", err)
	}
	task := domain.Task{
		UUID:          taskID,
		Stage:         spec.Stage,
		AgentID:       agentID,
		ArgumentsJSON: string(argsJSON),
		ContextJSON:   string(ctxJSON),
		ProjectID:     opts.ProjectID,
		Status:        domain.TaskPending,
		CreatedAt:     ts,
	}
	if opts.ChainedFrom != "" {
		src := opts.ChainedFrom
		task.ChainedFrom = &src
	}
	if err := d.Repo.InsertTask(ctx, tx, task); err != nil {
		return none, fmt.Errorf("insert task: %w", err)
	}
	payload := events.EventPayload{"stage": string(spec.Stage), "agent_id": agentID, "status": string(project.Status)}
	if opts.ChainedFrom != "" {
		payload["chained_from"] = opts.ChainedFrom
	}
	if err := d.Events.Append(ctx, tx, events.StageDispatched, opts.ProjectID, "task", taskID, actorOf(opts), payload); err != nil {
		return none, err
	}
	if err := tx.Commit(); err != nil {
		return none, err
	}
	if opts.MarkInProgress {
		d.Metrics.Transition(string(current), string(spec.InProgress))
	}
	return corr, nil
}

func (d *Dispatcher) submit(ctx context.Context, a agent.Agent, sub agent.Submission) error {
	attempts := d.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: d.BackoffStep}, attempts-1), ctx)
	op := func() error {
		err := a.Submit(ctx, sub)
		if err != nil {
			d.Metrics.DispatchAttempt(string(sub.Stage), "error")
			return err
		}
		d.Metrics.DispatchAttempt(string(sub.Stage), "accepted")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger().Warn("agent submission failed, retrying", "task_id", sub.TaskID, "stage", string(sub.Stage), "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, b, notify)
}

// abort marks the task failed and restores the status the dispatch replaced
// when the task still owns the project.
func (d *Dispatcher) abort(ctx context.Context, spec workflow.StageSpec, taskID string, prior workflow.Status, opts Options, cause error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := d.now().UTC().Format(time.RFC3339Nano)
	msg := cause.Error()
	if _, err := d.Repo.FailTask(ctx, tx, taskID, repo.TaskOutcome{ErrorMessage: &msg, CompletedAt: ts}); err != nil {
		return err
	}
	payload := events.EventPayload{"stage": string(spec.Stage), "error": msg}
	project, err := d.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return err
	}
	if project.ActiveTaskID == taskID {
		target := spec.RevertTarget(prior)
		if workflow.Transition(&project, spec.InProgress, target) {
			project.ActiveTaskID = ""
			project.UpdatedAt = ts
			if _, err := d.Repo.SaveStatus(ctx, tx, project, spec.InProgress); err != nil {
				return err
			}
			payload["reverted_to"] = string(target)
		}
	}
	if err := d.Events.Append(ctx, tx, events.StageDispatchFailed, opts.ProjectID, "task", taskID, actorOf(opts), payload); err != nil {
		return err
	}
	return tx.Commit()
}

func actorOf(opts Options) string {
	if opts.ActorID != "" {
		return opts.ActorID
	}
	return fmt.Sprintf("user:%d", opts.UserID)
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
