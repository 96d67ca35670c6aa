package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"briefline/internal/dispatch"
	"briefline/internal/domain"
	"briefline/internal/engine/auth"
	"briefline/internal/events"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

// ErrInvalid marks input the caller must fix.
var ErrInvalid = errors.New("invalid input")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Dispatcher starts stage work.
type Dispatcher interface {
	Dispatch(ctx context.Context, stage workflow.Stage, brief map[string]any, opts dispatch.Options) (string, error)
}

// Engine holds the user-facing project operations. Lifecycle events are
// handled by the saga, not here.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher Dispatcher
	Now        func() time.Time
}

func New(db *sql.DB, dispatcher Dispatcher) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Dispatcher: dispatcher,
		Now:        time.Now,
	}
}

func (e Engine) now() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

func actor(userID int64) string { return fmt.Sprintf("user:%d", userID) }

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Name    string
	Sector  string
	Brief   map[string]any
	OwnerID int64
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Project{}, invalid("name is required")
	}
	if opts.OwnerID <= 0 {
		return domain.Project{}, invalid("owner is required")
	}
	brief, err := encodeBrief(opts.Brief)
	if err != nil {
		return domain.Project{}, err
	}
	ts := e.now()
	p := domain.Project{
		Name:      opts.Name,
		Sector:    strings.TrimSpace(opts.Sector),
		OwnerID:   opts.OwnerID,
		BriefJSON: brief,
		Status:    workflow.Draft,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertProject(ctx, tx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	p.ID = id
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, id, "project", fmt.Sprint(id), actor(opts.OwnerID), events.EventPayload{
		"name": p.Name, "status": string(p.Status),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Project loads a project the user owns.
func (e Engine) Project(ctx context.Context, projectID, userID int64) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := auth.RequireOwner(p, userID); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context, userID int64) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, userID)
}

func (e Engine) DeleteProject(ctx context.Context, projectID, userID int64) error {
	p, err := e.Project(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if p.Status.InProgress() {
		return fmt.Errorf("project %d has a stage in progress: %w", projectID, workflow.ErrIllegalTransition)
	}
	return e.Repo.DeleteProject(ctx, projectID)
}

// EnrichOptions update a project's brief.
type EnrichOptions struct {
	ProjectID int64
	UserID    int64
	Name      *string
	Sector    *string
	// Brief keys are merged into the stored brief; a nil value removes the key.
	Brief map[string]any
}

// EnrichProject merges the brief and moves a draft project to enriched.
func (e Engine) EnrichProject(ctx context.Context, opts EnrichOptions) (domain.Project, error) {
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Project{}, invalid("name cannot be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := auth.RequireOwner(p, opts.UserID); err != nil {
		return domain.Project{}, err
	}
	brief, err := decodeBrief(p.BriefJSON)
	if err != nil {
		return domain.Project{}, err
	}
	for k, v := range opts.Brief {
		if v == nil {
			delete(brief, k)
			continue
		}
		brief[k] = v
	}
	encoded, err := encodeBrief(brief)
	if err != nil {
		return domain.Project{}, err
	}
	ts := e.now()
	if err := e.Repo.UpdateProjectBrief(ctx, tx, p.ID, opts.Name, opts.Sector, encoded, ts); err != nil {
		return domain.Project{}, err
	}
	from := p.Status
	if workflow.Transition(&p, workflow.Draft, workflow.Enriched) {
		p.UpdatedAt = ts
		ok, err := e.Repo.SaveStatus(ctx, tx, p, workflow.Draft)
		if err != nil {
			return domain.Project{}, err
		}
		if !ok {
			return domain.Project{}, fmt.Errorf("project %d changed status concurrently: %w", p.ID, workflow.ErrIllegalTransition)
		}
	}
	if err := e.Events.Append(ctx, tx, events.ProjectEnriched, p.ID, "project", fmt.Sprint(p.ID), actor(opts.UserID), events.EventPayload{
		"from": string(from), "status": string(p.Status),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, p.ID)
}

// StageStartOptions describe a user-initiated stage dispatch.
type StageStartOptions struct {
	ProjectID int64
	UserID    int64
	Stage     workflow.Stage
	// Brief keys override the stored brief for this dispatch only.
	Brief map[string]any
	Extra map[string]any
}

// StageStart is the result of StartStage. Stage may differ from the requested
// one when strategy is reached through competitor analysis.
type StageStart struct {
	TaskID string         `json:"taskId"`
	Stage  workflow.Stage `json:"stageType"`
}

// StartStage dispatches a stage and returns immediately. Asking for strategy
// once competitors are validated runs competitor analysis first; the saga
// chains strategy when it completes.
func (e Engine) StartStage(ctx context.Context, opts StageStartOptions) (StageStart, error) {
	if e.Dispatcher == nil {
		return StageStart{}, errors.New("dispatcher not configured")
	}
	if _, ok := workflow.Lookup(opts.Stage); !ok {
		return StageStart{}, invalid("unknown stage %q", opts.Stage)
	}
	p, err := e.Project(ctx, opts.ProjectID, opts.UserID)
	if err != nil {
		return StageStart{}, err
	}
	stage := opts.Stage
	if stage == workflow.StageStrategy && p.Status == workflow.CompetitorValidated {
		stage = workflow.StageCompetitorAnalysis
	}
	spec := workflow.MustLookup(stage)
	if !spec.CanDispatchFrom(p.Status) {
		return StageStart{}, fmt.Errorf("cannot start %s while project is %s: %w", stage, p.Status, workflow.ErrIllegalTransition)
	}

	brief, err := decodeBrief(p.BriefJSON)
	if err != nil {
		return StageStart{}, err
	}
	brief["name"] = p.Name
	brief["sector"] = p.Sector
	for k, v := range opts.Brief {
		brief[k] = v
	}
	if err := e.addStageInputs(ctx, p.ID, stage, brief); err != nil {
		return StageStart{}, err
	}

	taskID, err := e.Dispatcher.Dispatch(ctx, stage, brief, dispatch.Options{
		ProjectID:      p.ID,
		UserID:         opts.UserID,
		Extra:          opts.Extra,
		MarkInProgress: true,
	})
	if err != nil {
		return StageStart{}, err
	}
	return StageStart{TaskID: taskID, Stage: stage}, nil
}

// addStageInputs adds the results of earlier stages a stage builds on.
func (e Engine) addStageInputs(ctx context.Context, projectID int64, stage workflow.Stage, brief map[string]any) error {
	switch stage {
	case workflow.StageCompetitorDetection, workflow.StageStrategy:
		personas, err := e.Repo.ListPersonas(ctx, nil, projectID)
		if err != nil {
			return err
		}
		rows := make([]map[string]any, 0, len(personas))
		for _, p := range personas {
			rows = append(rows, rawOr(p.RawJSON, map[string]any{"name": p.Name}))
		}
		brief["personas"] = rows
	case workflow.StageCompetitorAnalysis:
		competitors, err := e.Repo.ListCompetitors(ctx, nil, projectID)
		if err != nil {
			return err
		}
		var rows []map[string]any
		for _, c := range competitors {
			if c.Selected {
				rows = append(rows, rawOr(c.RawJSON, map[string]any{"name": c.Name}))
			}
		}
		brief["competitors"] = rows
	case workflow.StageAssets:
		s, err := e.Repo.GetStrategy(ctx, nil, projectID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil {
			brief["strategy"] = rawOr(s.RawJSON, map[string]any{"positioning": s.Positioning})
		}
	}
	return nil
}

// SelectCompetitors marks exactly ids as selected and validates the
// detection result.
func (e Engine) SelectCompetitors(ctx context.Context, projectID, userID int64, ids []int64) (domain.Project, error) {
	if len(ids) == 0 {
		return domain.Project{}, invalid("at least one competitor must be selected")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := auth.RequireOwner(p, userID); err != nil {
		return domain.Project{}, err
	}
	from := p.Status
	if from != workflow.CompetitorDetected && from != workflow.CompetitorValidated {
		return domain.Project{}, fmt.Errorf("cannot select competitors while project is %s: %w", from, workflow.ErrIllegalTransition)
	}
	if err := e.Repo.SelectCompetitors(ctx, tx, projectID, ids); err != nil {
		return domain.Project{}, err
	}
	ts := e.now()
	if !workflow.Transition(&p, from, workflow.CompetitorValidated) {
		return domain.Project{}, fmt.Errorf("validate competitors from %s: %w", from, workflow.ErrIllegalTransition)
	}
	p.UpdatedAt = ts
	ok, err := e.Repo.SaveStatus(ctx, tx, p, from)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, fmt.Errorf("project %d changed status concurrently: %w", projectID, workflow.ErrIllegalTransition)
	}
	if err := e.Events.Append(ctx, tx, events.CompetitorsSelected, projectID, "project", fmt.Sprint(projectID), actor(userID), events.EventPayload{
		"competitor_ids": ids, "from": string(from), "status": string(p.Status),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Status is the fallback confirmation read used by polling clients.
func (e Engine) Status(ctx context.Context, projectID, userID int64) (domain.StatusReport, error) {
	if _, err := e.Project(ctx, projectID, userID); err != nil {
		return domain.StatusReport{}, err
	}
	return e.Repo.Status(ctx, projectID)
}

// Results is everything the stages produced for a project.
type Results struct {
	Personas    []domain.Persona            `json:"personas"`
	Competitors []domain.Competitor         `json:"competitors"`
	Analyses    []domain.CompetitorAnalysis `json:"analyses"`
	Strategy    *domain.Strategy            `json:"strategy,omitempty"`
	Assets      []domain.Asset              `json:"assets"`
}

func (e Engine) Results(ctx context.Context, projectID, userID int64) (Results, error) {
	if _, err := e.Project(ctx, projectID, userID); err != nil {
		return Results{}, err
	}
	var res Results
	var err error
	if res.Personas, err = e.Repo.ListPersonas(ctx, nil, projectID); err != nil {
		return Results{}, err
	}
	if res.Competitors, err = e.Repo.ListCompetitors(ctx, nil, projectID); err != nil {
		return Results{}, err
	}
	if res.Analyses, err = e.Repo.ListAnalyses(ctx, nil, projectID); err != nil {
		return Results{}, err
	}
	s, err := e.Repo.GetStrategy(ctx, nil, projectID)
	switch {
	case err == nil:
		res.Strategy = &s
	case !errors.Is(err, repo.ErrNotFound):
		return Results{}, err
	}
	if res.Assets, err = e.Repo.ListAssets(ctx, nil, projectID); err != nil {
		return Results{}, err
	}
	return res, nil
}

func (e Engine) ListTasks(ctx context.Context, userID int64, f repo.TaskFilters) ([]domain.Task, error) {
	if f.ProjectID <= 0 {
		return nil, invalid("project is required")
	}
	if _, err := e.Project(ctx, f.ProjectID, userID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, f)
}

// Task loads a task of a project the user owns.
func (e Engine) Task(ctx context.Context, taskID string, userID int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Project(ctx, t.ProjectID, userID); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ListEvents(ctx context.Context, userID int64, f repo.EventFilters) ([]domain.Event, error) {
	if f.ProjectID <= 0 {
		return nil, invalid("project is required")
	}
	if _, err := e.Project(ctx, f.ProjectID, userID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}

func decodeBrief(raw string) (map[string]any, error) {
	brief := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return brief, nil
	}
	if err := json.Unmarshal([]byte(raw), &brief); err != nil {
		return nil, fmt.Errorf("decode brief: %w", err)
	}
	if brief == nil {
		brief = map[string]any{}
	}
	return brief, nil
}

func encodeBrief(brief map[string]any) (string, error) {
	if brief == nil {
		brief = map[string]any{}
	}
	b, err := json.Marshal(brief)
	if err != nil {
		return "", invalid("brief: %v", err)
	}
	return string(b), nil
}

func rawOr(raw string, fallback map[string]any) map[string]any {
	var m map[string]any
	if raw != "" && json.Unmarshal([]byte(raw), &m) == nil && m != nil {
		return m
	}
	return fallback
}
