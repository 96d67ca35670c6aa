// Package saga holds the lifecycle handlers that persist stage results, move
// the project state machine, recover from failures and chain stages.
package saga

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"briefline/internal/dispatch"
	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
	"briefline/internal/notify"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

// Env is shared by every handler.
type Env struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Now     func() time.Time
}

func (e Env) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func (e Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// projectOf extracts the correlated project id. Events without one can never
// be processed, so they are logged, counted and dropped.
func (e Env) projectOf(handler string, evt lifecycle.Event) (int64, bool) {
	id, ok := evt.Correlation.ProjectID()
	if !ok {
		e.logger().Error("lifecycle event without projectId dropped",
			"handler", handler, "task_id", evt.TaskID, "stage", string(evt.Stage), "kind", string(evt.Kind))
		e.Metrics.Dropped(metrics.DropMissingProject)
	}
	return id, ok
}

func (e Env) projectMissing(handler string, evt lifecycle.Event, projectID int64, err error) bool {
	if !errors.Is(err, repo.ErrNotFound) {
		return false
	}
	e.logger().Error("lifecycle event for unknown project dropped",
		"handler", handler, "task_id", evt.TaskID, "stage", string(evt.Stage), "project_id", projectID)
	e.Metrics.Dropped(metrics.DropProjectNotFound)
	return true
}

// Options tune the handler set built by New.
type Options struct {
	DeferRecoverable bool
}

// Handlers is the full handler set of the pipeline.
type Handlers struct {
	Recorder   *TaskRecorder
	Persisters []*Persister
	Recoveries []*Recovery
	Chainer    *Chainer
	Publisher  lifecycle.Handler
}

// New builds one persister and one recovery handler per stage, the chainer
// for the chained stage and the task recorder.
func New(env Env, dispatcher Dispatcher, publisher *notify.Publisher, opts Options) Handlers {
	h := Handlers{
		Recorder: &TaskRecorder{Env: env},
		Chainer: &Chainer{
			Env:        env,
			Source:     workflow.StageCompetitorAnalysis,
			Dispatcher: dispatcher,
		},
	}
	if publisher != nil {
		h.Chainer.Notifier = publisher
		h.Publisher = publisher
	}
	for _, stage := range workflow.Stages {
		h.Persisters = append(h.Persisters, NewPersister(env, stage))
		h.Recoveries = append(h.Recoveries, &Recovery{Env: env, Stage: stage, DeferRecoverable: opts.DeferRecoverable})
	}
	return h
}

// Wire declares the handler order of every lifecycle kind. Persisters run
// before the chainer so it reads committed rows; the publisher runs last.
func Wire(bus *lifecycle.Bus, h Handlers) {
	var started, progress, completed, failed []lifecycle.Handler
	if h.Recorder != nil {
		started = append(started, h.Recorder)
		completed = append(completed, h.Recorder)
		failed = append(failed, h.Recorder)
	}
	for _, p := range h.Persisters {
		completed = append(completed, p)
	}
	if h.Chainer != nil {
		completed = append(completed, h.Chainer)
	}
	for _, r := range h.Recoveries {
		failed = append(failed, r)
	}
	if h.Publisher != nil {
		started = append(started, h.Publisher)
		progress = append(progress, h.Publisher)
		completed = append(completed, h.Publisher)
		failed = append(failed, h.Publisher)
	}
	bus.On(lifecycle.Started, started...)
	bus.On(lifecycle.Progress, progress...)
	bus.On(lifecycle.Completed, completed...)
	bus.On(lifecycle.Failed, failed...)
}

// Dispatcher is the part of dispatch.Dispatcher the chainer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage workflow.Stage, brief map[string]any, opts dispatch.Options) (string, error)
}
