package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefline/internal/agent"
	"briefline/internal/db"
	"briefline/internal/dispatch"
	"briefline/internal/domain"
	"briefline/internal/engine"
	"briefline/internal/engine/auth"
	"briefline/internal/lifecycle"
	"briefline/internal/migrate"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

const owner int64 = 9

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Subs   *[]agent.Submission
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	subs := &[]agent.Submission{}
	fake := agent.Func(func(_ context.Context, sub agent.Submission) error {
		*subs = append(*subs, sub)
		return nil
	})
	registry := agent.Registry{}
	for _, stage := range workflow.Stages {
		registry[stage] = agent.Binding{ID: string(stage) + "-agent", Agent: fake}
	}
	eng := engine.New(conn, nil)
	eng.Dispatcher = &dispatch.Dispatcher{DB: conn, Repo: eng.Repo, Events: eng.Events, Agents: registry, MaxAttempts: 1}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx, Subs: subs}
}

func (env testEnv) create(t *testing.T) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "Acme Pay", Sector: "Fintech", Brief: map[string]any{"audience": "SMBs"}, OwnerID: owner,
	})
	require.NoError(t, err)
	return p
}

func (env testEnv) setStatus(t *testing.T, id int64, status workflow.Status) {
	t.Helper()
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	require.NoError(t, err)
	expected := p.Status
	p.Status = status
	ok, err := env.Engine.Repo.SaveStatus(env.Ctx, nil, p, expected)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateAndEnrichProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	assert.Equal(t, workflow.Draft, p.Status)

	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "  ", OwnerID: owner})
	assert.True(t, errors.Is(err, engine.ErrInvalid))

	sector := "Payments"
	p, err = env.Engine.EnrichProject(env.Ctx, engine.EnrichOptions{
		ProjectID: p.ID, UserID: owner, Sector: &sector,
		Brief: map[string]any{"tone": "friendly", "audience": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.Enriched, p.Status)
	assert.Equal(t, "Payments", p.Sector)
	assert.JSONEq(t, `{"tone":"friendly"}`, p.BriefJSON)

	// enriching again keeps the status
	p, err = env.Engine.EnrichProject(env.Ctx, engine.EnrichOptions{ProjectID: p.ID, UserID: owner, Brief: map[string]any{"tone": "bold"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.Enriched, p.Status)

	evts, err := env.Engine.ListEvents(env.Ctx, owner, repo.EventFilters{ProjectID: p.ID})
	require.NoError(t, err)
	assert.Len(t, evts, 3)
}

func TestOwnershipIsEnforced(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)

	_, err := env.Engine.Status(env.Ctx, p.ID, 42)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, int64(42), forbidden.UserID)

	_, err = env.Engine.StartStage(env.Ctx, engine.StageStartOptions{ProjectID: p.ID, UserID: 42, Stage: workflow.StagePersona})
	assert.True(t, errors.As(err, &forbidden))

	_, err = env.Engine.Status(env.Ctx, 999, owner)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestStartStageDispatchesWithBrief(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)

	started, err := env.Engine.StartStage(env.Ctx, engine.StageStartOptions{
		ProjectID: p.ID, UserID: owner, Stage: workflow.StagePersona, Brief: map[string]any{"count": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StagePersona, started.Stage)
	assert.NotEmpty(t, started.TaskID)

	require.Len(t, *env.Subs, 1)
	sub := (*env.Subs)[0]
	assert.Equal(t, "SMBs", sub.Brief["audience"])
	assert.Equal(t, "Fintech", sub.Brief["sector"])
	assert.Equal(t, 3, sub.Brief["count"])

	report, err := env.Engine.Status(env.Ctx, p.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, workflow.PersonaInProgress, report.Status)
	assert.Equal(t, started.TaskID, report.ActiveTaskID)

	// a second start while in progress is refused
	_, err = env.Engine.StartStage(env.Ctx, engine.StageStartOptions{ProjectID: p.ID, UserID: owner, Stage: workflow.StagePersona})
	assert.True(t, errors.Is(err, workflow.ErrIllegalTransition))

	_, err = env.Engine.StartStage(env.Ctx, engine.StageStartOptions{ProjectID: p.ID, UserID: owner, Stage: "video"})
	assert.True(t, errors.Is(err, engine.ErrInvalid))

	tasks, err := env.Engine.ListTasks(env.Ctx, owner, repo.TaskFilters{ProjectID: p.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPending, tasks[0].Status)
}

func seedCompetitors(t *testing.T, env testEnv, projectID int64) []domain.Competitor {
	t.Helper()
	var rows []domain.Competitor
	for _, name := range []string{"Ledgerly", "Paysafe", "Coinbase", "Revolut", "Monzo"} {
		rows = append(rows, domain.Competitor{Name: name, RawJSON: `{"name":"` + name + `"}`, CreatedAt: "2024-01-01T00:00:00Z"})
	}
	require.NoError(t, env.Engine.Repo.ReplaceCompetitors(env.Ctx, nil, projectID, rows))
	out, err := env.Engine.Repo.ListCompetitors(env.Ctx, nil, projectID)
	require.NoError(t, err)
	return out
}

func TestSelectCompetitorsValidates(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	competitors := seedCompetitors(t, env, p.ID)

	_, err := env.Engine.SelectCompetitors(env.Ctx, p.ID, owner, []int64{competitors[0].ID})
	assert.True(t, errors.Is(err, workflow.ErrIllegalTransition), "draft project cannot select")

	env.setStatus(t, p.ID, workflow.CompetitorDetected)
	_, err = env.Engine.SelectCompetitors(env.Ctx, p.ID, owner, nil)
	assert.True(t, errors.Is(err, engine.ErrInvalid))

	got, err := env.Engine.SelectCompetitors(env.Ctx, p.ID, owner, []int64{competitors[1].ID, competitors[3].ID})
	require.NoError(t, err)
	assert.Equal(t, workflow.CompetitorValidated, got.Status)

	// re-selection from validated replaces the set
	_, err = env.Engine.SelectCompetitors(env.Ctx, p.ID, owner, []int64{competitors[0].ID})
	require.NoError(t, err)
	res, err := env.Engine.Results(env.Ctx, p.ID, owner)
	require.NoError(t, err)
	var selected []string
	for _, c := range res.Competitors {
		if c.Selected {
			selected = append(selected, c.Name)
		}
	}
	assert.Equal(t, []string{"Ledgerly"}, selected)
	assert.Nil(t, res.Strategy)
}

func TestStrategyFromValidatedRunsAnalysisFirst(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	competitors := seedCompetitors(t, env, p.ID)
	env.setStatus(t, p.ID, workflow.CompetitorDetected)
	_, err := env.Engine.SelectCompetitors(env.Ctx, p.ID, owner, []int64{competitors[0].ID, competitors[2].ID})
	require.NoError(t, err)

	started, err := env.Engine.StartStage(env.Ctx, engine.StageStartOptions{ProjectID: p.ID, UserID: owner, Stage: workflow.StageStrategy})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageCompetitorAnalysis, started.Stage)

	sub := (*env.Subs)[0]
	assert.Equal(t, workflow.StageCompetitorAnalysis, sub.Stage)
	assert.Len(t, sub.Brief["competitors"], 2)

	report, err := env.Engine.Status(env.Ctx, p.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, workflow.StrategyInProgress, report.Status)
	assert.Equal(t, 2, report.SelectedCompetitors)
}

func TestDeleteRefusedWhileInProgress(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	env.setStatus(t, p.ID, workflow.PersonaInProgress)
	assert.True(t, errors.Is(env.Engine.DeleteProject(env.Ctx, p.ID, owner), workflow.ErrIllegalTransition))

	env.setStatus(t, p.ID, workflow.PersonaGenerated)
	require.NoError(t, env.Engine.DeleteProject(env.Ctx, p.ID, owner))
	_, err := env.Engine.Project(env.Ctx, p.ID, owner)
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestBindAgentEventUsesStoredCorrelation(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t)
	other := env.create(t)
	started, err := env.Engine.StartStage(env.Ctx, engine.StageStartOptions{ProjectID: p.ID, UserID: owner, Stage: workflow.StagePersona})
	require.NoError(t, err)

	echoed := lifecycle.NewCorrelation(lifecycle.CorrelationFields{ProjectID: p.ID, UserID: owner, RevertTo: workflow.AssetsGenerated})
	evt, err := env.Engine.BindAgentEvent(env.Ctx, started.TaskID, lifecycle.Event{
		Kind: lifecycle.Completed, TaskID: started.TaskID, Stage: workflow.StagePersona, Correlation: echoed,
	})
	require.NoError(t, err)
	id, ok := evt.Correlation.ProjectID()
	require.True(t, ok)
	assert.Equal(t, p.ID, id)
	assert.Equal(t, workflow.Draft, evt.Correlation.RevertTo())

	forged := lifecycle.NewCorrelation(lifecycle.CorrelationFields{ProjectID: other.ID})
	_, err = env.Engine.BindAgentEvent(env.Ctx, started.TaskID, lifecycle.Event{
		Kind: lifecycle.Completed, TaskID: started.TaskID, Stage: workflow.StagePersona, Correlation: forged,
	})
	assert.True(t, errors.Is(err, engine.ErrTaskMismatch))

	_, err = env.Engine.BindAgentEvent(env.Ctx, started.TaskID, lifecycle.Event{
		Kind: lifecycle.Completed, TaskID: started.TaskID, Stage: workflow.StageStrategy,
	})
	assert.True(t, errors.Is(err, engine.ErrTaskMismatch))

	_, err = env.Engine.BindAgentEvent(env.Ctx, started.TaskID, lifecycle.Event{Kind: lifecycle.Started, TaskID: "t-other", Stage: workflow.StagePersona})
	assert.True(t, errors.Is(err, engine.ErrTaskMismatch))

	_, err = env.Engine.BindAgentEvent(env.Ctx, "t-unknown", lifecycle.Event{Kind: lifecycle.Started, TaskID: "t-unknown", Stage: workflow.StagePersona})
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}
