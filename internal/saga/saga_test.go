package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"briefline/internal/agent"
	"briefline/internal/db"
	"briefline/internal/dispatch"
	"briefline/internal/domain"
	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/metrics"
	"briefline/internal/migrate"
	"briefline/internal/notify"
	"briefline/internal/repo"
	"briefline/internal/saga"
	"briefline/internal/workflow"
)

type testEnv struct {
	ctx        context.Context
	repo       repo.Repo
	bus        *lifecycle.Bus
	hub        *notify.Hub
	metrics    *metrics.Registry
	dispatcher *dispatch.Dispatcher
	subs       map[workflow.Stage][]agent.Submission
	// onSubmit runs inside the agent call, after the task row is committed.
	onSubmit func(sub agent.Submission) error
}

type envOptions struct {
	broker           notify.Broker
	deferRecoverable bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	e := &testEnv{
		ctx:     ctx,
		repo:    repo.Repo{DB: conn},
		hub:     notify.NewHub(16),
		metrics: metrics.New(),
		subs:    map[workflow.Stage][]agent.Submission{},
	}
	fake := agent.Func(func(_ context.Context, sub agent.Submission) error {
		e.subs[sub.Stage] = append(e.subs[sub.Stage], sub)
		if e.onSubmit != nil {
			return e.onSubmit(sub)
		}
		return nil
	})
	registry := agent.Registry{}
	for _, stage := range workflow.Stages {
		registry[stage] = agent.Binding{ID: string(stage) + "-agent", Agent: fake}
	}
	writer := events.Writer{DB: conn}
	e.dispatcher = &dispatch.Dispatcher{
		DB:          conn,
		Repo:        e.repo,
		Events:      writer,
		Agents:      registry,
		MaxAttempts: 1,
		Metrics:     e.metrics,
	}
	broker := opts.broker
	if broker == nil {
		broker = e.hub
	}
	publisher := &notify.Publisher{Broker: broker, Timeout: 50 * time.Millisecond, Metrics: e.metrics}
	env := saga.Env{DB: conn, Repo: e.repo, Events: writer, Metrics: e.metrics}
	e.bus = lifecycle.NewBus(nil)
	saga.Wire(e.bus, saga.New(env, e.dispatcher, publisher, saga.Options{DeferRecoverable: opts.deferRecoverable}))
	return e
}

func (e *testEnv) project(t *testing.T, status workflow.Status) domain.Project {
	t.Helper()
	id, err := e.repo.InsertProject(e.ctx, nil, domain.Project{
		Name: "Acme", Sector: "Fintech", OwnerID: 9, BriefJSON: `{"sector":"Fintech"}`,
		Status: status, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	return e.reload(t, id)
}

func (e *testEnv) reload(t *testing.T, id int64) domain.Project {
	t.Helper()
	p, err := e.repo.GetProject(e.ctx, id)
	require.NoError(t, err)
	return p
}

// start dispatches stage the way a user action does and returns the task id
// and the correlation the agent received.
func (e *testEnv) start(t *testing.T, stage workflow.Stage, projectID int64) (string, lifecycle.Correlation) {
	t.Helper()
	id, err := e.dispatcher.Dispatch(e.ctx, stage, map[string]any{"sector": "Fintech"}, dispatch.Options{
		ProjectID: projectID, UserID: 9, MarkInProgress: true,
	})
	require.NoError(t, err)
	return id, e.lastCorrelation(t, stage)
}

func (e *testEnv) lastCorrelation(t *testing.T, stage workflow.Stage) lifecycle.Correlation {
	t.Helper()
	subs := e.subs[stage]
	require.NotEmpty(t, subs)
	return lifecycle.CorrelationFromMap(subs[len(subs)-1].Context)
}

func completed(taskID string, stage workflow.Stage, corr lifecycle.Correlation, result map[string]any) lifecycle.Event {
	return lifecycle.Event{
		Kind: lifecycle.Completed, TaskID: taskID, Stage: stage, AgentID: string(stage) + "-agent",
		Correlation: corr, Result: lifecycle.NewResult(result),
		Usage: lifecycle.Usage{TokensInput: 100, TokensOutput: 50, Cost: 0.01, DurationMs: 1200},
	}
}

func failed(taskID string, stage workflow.Stage, corr lifecycle.Correlation, recoverable bool) lifecycle.Event {
	return lifecycle.Event{
		Kind: lifecycle.Failed, TaskID: taskID, Stage: stage, Correlation: corr,
		Error: "model quota exceeded", Recoverable: recoverable,
	}
}

func fiveCompetitors() map[string]any {
	var list []any
	for _, name := range []string{"Ledgerly", "Paysafe", "Coinbase", "Revolut", "Monzo"} {
		list = append(list, map[string]any{"name": name, "website": "https://" + name + ".example", "strengths": []any{"brand", "reach"}})
	}
	return map[string]any{"competitors": list}
}

func TestPersonaCompletionAdvancesProject(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.Draft)

	taskID, corr := e.start(t, workflow.StagePersona, p.ID)
	assert.Equal(t, workflow.PersonaInProgress, e.reload(t, p.ID).Status)

	require.NoError(t, e.bus.Deliver(e.ctx, lifecycle.Event{Kind: lifecycle.Started, TaskID: taskID, Stage: workflow.StagePersona, AgentID: "persona-agent", Correlation: corr}))
	evt := completed(taskID, workflow.StagePersona, corr, map[string]any{
		"personas": []any{map[string]any{"name": "Alice", "age": float64(30), "gender": "F", "job": "CTO"}},
	})
	require.NoError(t, e.bus.Deliver(e.ctx, evt))

	got := e.reload(t, p.ID)
	assert.Equal(t, workflow.PersonaGenerated, got.Status)
	assert.Empty(t, got.ActiveTaskID)
	personas, err := e.repo.ListPersonas(e.ctx, nil, p.ID)
	require.NoError(t, err)
	require.Len(t, personas, 1)
	assert.Equal(t, "Alice", personas[0].Name)
	assert.Equal(t, 30, personas[0].Age)
	assert.Equal(t, "CTO", personas[0].Job)

	task, err := e.repo.GetTask(e.ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, int64(150), task.TokensTotal)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.ResultJSON)
}

func TestDuplicateCompletedIsIdempotent(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageCompetitorDetection, p.ID)

	evt := completed(taskID, workflow.StageCompetitorDetection, corr, fiveCompetitors())
	require.NoError(t, e.bus.Deliver(e.ctx, evt))
	first, err := e.repo.ListCompetitors(e.ctx, nil, p.ID)
	require.NoError(t, err)

	require.NoError(t, e.bus.Deliver(e.ctx, evt))
	second, err := e.repo.ListCompetitors(e.ctx, nil, p.ID)
	require.NoError(t, err)

	require.Len(t, second, 5)
	names := func(cs []domain.Competitor) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}
	assert.Equal(t, names(first), names(second))
	assert.Equal(t, workflow.CompetitorDetected, e.reload(t, p.ID).Status)
}

func TestCompetitorDetectionThenSelection(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageCompetitorDetection, p.ID)
	require.NoError(t, e.bus.Deliver(e.ctx, completed(taskID, workflow.StageCompetitorDetection, corr, fiveCompetitors())))

	competitors, err := e.repo.ListCompetitors(e.ctx, nil, p.ID)
	require.NoError(t, err)
	require.Len(t, competitors, 5)
	for _, c := range competitors {
		assert.False(t, c.Selected, c.Name)
	}
	assert.Equal(t, "brand\nreach", competitors[0].Strengths)

	selectTwo(t, e, p.ID, competitors)
	competitors, err = e.repo.ListCompetitors(e.ctx, nil, p.ID)
	require.NoError(t, err)
	selected := 0
	for _, c := range competitors {
		if c.Selected {
			selected++
		}
	}
	assert.Equal(t, 2, selected)
	assert.Equal(t, workflow.CompetitorValidated, e.reload(t, p.ID).Status)
}

func selectTwo(t *testing.T, e *testEnv, projectID int64, competitors []domain.Competitor) {
	t.Helper()
	require.NoError(t, e.repo.SelectCompetitors(e.ctx, nil, projectID, []int64{competitors[0].ID, competitors[2].ID}))
	p := e.reload(t, projectID)
	require.True(t, workflow.Transition(&p, workflow.CompetitorDetected, workflow.CompetitorValidated))
	ok, err := e.repo.SaveStatus(e.ctx, nil, p, workflow.CompetitorDetected)
	require.NoError(t, err)
	require.True(t, ok)
}

// validatedProject runs detection and selection and returns a project in
// CompetitorValidated with 2 of 5 competitors selected.
func validatedProject(t *testing.T, e *testEnv) domain.Project {
	t.Helper()
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageCompetitorDetection, p.ID)
	require.NoError(t, e.bus.Deliver(e.ctx, completed(taskID, workflow.StageCompetitorDetection, corr, fiveCompetitors())))
	competitors, err := e.repo.ListCompetitors(e.ctx, nil, p.ID)
	require.NoError(t, err)
	selectTwo(t, e, p.ID, competitors)
	return e.reload(t, p.ID)
}

func analysisResult() map[string]any {
	return map[string]any{
		"summary": "crowded market",
		"analyses": []any{
			map[string]any{"competitor": "Ledgerly", "summary": "strong SMB focus", "threats": "pricing"},
			map[string]any{"competitor": "Coinbase", "summary": "crypto first", "opportunities": []any{"fiat", "savings"}},
		},
	}
}

func TestAnalysisCompletionChainsStrategyWithSelectedCompetitors(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := validatedProject(t, e)

	analysisID, corr := e.start(t, workflow.StageCompetitorAnalysis, p.ID)
	assert.Equal(t, workflow.StrategyInProgress, e.reload(t, p.ID).Status)

	sub, err := e.hub.Subscribe(e.ctx, notify.Topic(analysisID))
	require.NoError(t, err)
	defer sub.Close()

	var seenAnalyses int
	e.onSubmit = func(s agent.Submission) error {
		if s.Stage != workflow.StageStrategy {
			return nil
		}
		rows, err := e.repo.ListAnalyses(e.ctx, nil, p.ID)
		if err != nil {
			return err
		}
		seenAnalyses = len(rows)
		return nil
	}
	require.NoError(t, e.bus.Deliver(e.ctx, completed(analysisID, workflow.StageCompetitorAnalysis, corr, analysisResult())))

	assert.Equal(t, 2, seenAnalyses, "analysis rows must be committed before the chainer dispatches")
	require.Len(t, e.subs[workflow.StageStrategy], 1)
	strategy := e.subs[workflow.StageStrategy][0]

	comps, ok := strategy.Brief["competitors"].([]map[string]any)
	require.True(t, ok)
	var names []string
	for _, c := range comps {
		names = append(names, c["name"].(string))
	}
	assert.ElementsMatch(t, []string{"Ledgerly", "Coinbase"}, names)
	assert.Equal(t, "Fintech", strategy.Brief["sector"])
	assert.NotNil(t, strategy.Brief["competitorAnalysis"])

	next := lifecycle.CorrelationFromMap(strategy.Context)
	assert.Equal(t, analysisID, next.ChainedFrom())
	assert.Equal(t, int64(9), next.UserID())

	got := e.reload(t, p.ID)
	assert.Equal(t, workflow.StrategyInProgress, got.Status)
	assert.Equal(t, strategy.TaskID, got.ActiveTaskID)

	task, err := e.repo.GetTask(e.ctx, strategy.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.ChainedFrom)
	assert.Equal(t, analysisID, *task.ChainedFrom)

	// the synthetic Started envelope precedes the Completed one
	select {
	case msg := <-sub.Messages():
		var env notify.Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		assert.Equal(t, lifecycle.Started, env.Type)
		assert.Equal(t, workflow.StageStrategy, env.Stage)
		assert.Equal(t, map[string]any{"nextTaskId": strategy.TaskID}, env.Payload)
	case <-time.After(time.Second):
		t.Fatal("no synthetic notification")
	}
}

func TestChainerDoesNotDispatchTwice(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := validatedProject(t, e)
	analysisID, corr := e.start(t, workflow.StageCompetitorAnalysis, p.ID)

	evt := completed(analysisID, workflow.StageCompetitorAnalysis, corr, analysisResult())
	require.NoError(t, e.bus.Deliver(e.ctx, evt))
	require.NoError(t, e.bus.Deliver(e.ctx, evt))

	assert.Len(t, e.subs[workflow.StageStrategy], 1)
	analyses, err := e.repo.ListAnalyses(e.ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Len(t, analyses, 2)
}

func TestChainerPropagatesDispatchErrors(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := validatedProject(t, e)
	analysisID, corr := e.start(t, workflow.StageCompetitorAnalysis, p.ID)

	e.onSubmit = func(s agent.Submission) error {
		if s.Stage == workflow.StageStrategy {
			return errors.New("strategy agent down")
		}
		return nil
	}
	err := e.bus.Deliver(e.ctx, completed(analysisID, workflow.StageCompetitorAnalysis, corr, analysisResult()))
	require.Error(t, err)
	var herr *lifecycle.HandlerError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "chain.competitor_analysis", herr.Handler)

	// the failed chained dispatch released the marker
	assert.Equal(t, workflow.CompetitorValidated, e.reload(t, p.ID).Status)

	// a queue redelivery finds the project reverted and does not dispatch again
	e.onSubmit = nil
	require.NoError(t, e.bus.Deliver(e.ctx, completed(analysisID, workflow.StageCompetitorAnalysis, corr, analysisResult())))
	assert.Len(t, e.subs[workflow.StageStrategy], 1)
	assert.Equal(t, workflow.CompetitorValidated, e.reload(t, p.ID).Status)
}

func TestCompletedAfterFailedDoesNotChain(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := validatedProject(t, e)
	analysisID, corr := e.start(t, workflow.StageCompetitorAnalysis, p.ID)

	require.NoError(t, e.bus.Deliver(e.ctx, failed(analysisID, workflow.StageCompetitorAnalysis, corr, false)))
	assert.Equal(t, workflow.CompetitorValidated, e.reload(t, p.ID).Status)

	require.NoError(t, e.bus.Deliver(e.ctx, completed(analysisID, workflow.StageCompetitorAnalysis, corr, analysisResult())))
	got := e.reload(t, p.ID)
	assert.Equal(t, workflow.CompetitorValidated, got.Status)
	assert.Empty(t, got.ActiveTaskID)
	assert.Empty(t, e.subs[workflow.StageStrategy])
}

func TestFailureRestoresStatusBeforeDispatch(t *testing.T) {
	cases := []struct {
		stage workflow.Stage
		from  workflow.Status
	}{
		{workflow.StageStrategy, workflow.StrategyGenerated},
		{workflow.StageStrategy, workflow.CompetitorValidated},
		{workflow.StageAssets, workflow.AssetsGenerated},
		{workflow.StageAssets, workflow.StrategyGenerated},
		{workflow.StageCompetitorDetection, workflow.CompetitorValidated},
		{workflow.StageCompetitorDetection, workflow.CompetitorDetected},
		{workflow.StagePersona, workflow.Enriched},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage)+"_from_"+string(tc.from), func(t *testing.T) {
			e := newTestEnv(t, envOptions{})
			p := e.project(t, tc.from)
			taskID, corr := e.start(t, tc.stage, p.ID)
			assert.Equal(t, tc.from, corr.RevertTo())

			require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, tc.stage, corr, false)))
			got := e.reload(t, p.ID)
			assert.Equal(t, tc.from, got.Status)
			assert.Empty(t, got.ActiveTaskID)
		})
	}
}

func TestStrategyFailureRevertsAndAllowsResubmit(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageStrategy, p.ID)
	assert.Equal(t, workflow.StrategyInProgress, e.reload(t, p.ID).Status)

	require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, workflow.StageStrategy, corr, false)))
	got := e.reload(t, p.ID)
	assert.Equal(t, workflow.PersonaGenerated, got.Status)
	assert.Empty(t, got.ActiveTaskID)

	task, err := e.repo.GetTask(e.ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "model quota exceeded", *task.ErrorMessage)

	// duplicate Failed is a no-op
	require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, workflow.StageStrategy, corr, false)))
	assert.Equal(t, workflow.PersonaGenerated, e.reload(t, p.ID).Status)

	_, _ = e.start(t, workflow.StageStrategy, p.ID)
	assert.Equal(t, workflow.StrategyInProgress, e.reload(t, p.ID).Status)
}

func TestFailedAfterCompletedDoesNotRegress(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.Draft)
	taskID, corr := e.start(t, workflow.StagePersona, p.ID)

	require.NoError(t, e.bus.Deliver(e.ctx, completed(taskID, workflow.StagePersona, corr, map[string]any{"personas": []any{map[string]any{"name": "Alice"}}})))
	require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, workflow.StagePersona, corr, false)))

	assert.Equal(t, workflow.PersonaGenerated, e.reload(t, p.ID).Status)
	task, err := e.repo.GetTask(e.ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
}

func TestStaleFailureOfReplacedTaskIsIgnored(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.PersonaGenerated)
	first, corr := e.start(t, workflow.StageStrategy, p.ID)
	require.NoError(t, e.bus.Deliver(e.ctx, completed(first, workflow.StageStrategy, corr, map[string]any{"positioning": "simple"})))
	second, _ := e.start(t, workflow.StageStrategy, p.ID)

	require.NoError(t, e.bus.Deliver(e.ctx, failed(first, workflow.StageStrategy, corr, false)))
	got := e.reload(t, p.ID)
	assert.Equal(t, workflow.StrategyInProgress, got.Status)
	assert.Equal(t, second, got.ActiveTaskID)
}

func TestLateCompletionLeavesStatusAlone(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.StrategyGenerated)
	corr := lifecycle.NewCorrelation(lifecycle.CorrelationFields{ProjectID: p.ID, UserID: 9, Stage: workflow.StagePersona})

	require.NoError(t, e.bus.Deliver(e.ctx, completed("late-task", workflow.StagePersona, corr, map[string]any{"personas": []any{map[string]any{"name": "Bob"}}})))

	assert.Equal(t, workflow.StrategyGenerated, e.reload(t, p.ID).Status)
	personas, err := e.repo.ListPersonas(e.ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Len(t, personas, 1)
}

func TestStrategyAtTopLevel(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageStrategy, p.ID)

	require.NoError(t, e.bus.Deliver(e.ctx, completed(taskID, workflow.StageStrategy, corr, map[string]any{
		"positioning":      "the simple bank",
		"valueProposition": "no fees",
		"key_messages":     []any{"fast", "free"},
	})))
	s, err := e.repo.GetStrategy(e.ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "the simple bank", s.Positioning)
	assert.Equal(t, "no fees", s.ValueProposition)
	assert.Equal(t, "fast\nfree", s.KeyMessages)

	report, err := e.repo.Status(e.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, report.HasStrategy)
	assert.Equal(t, workflow.StrategyGenerated, report.Status)
}

type downBroker struct{ calls int }

func (b *downBroker) Publish(context.Context, string, []byte) error {
	b.calls++
	return errors.New("pubsub unavailable")
}

func (b *downBroker) Subscribe(context.Context, string) (notify.Subscription, error) {
	return nil, errors.New("pubsub unavailable")
}

func TestPublishFailureDoesNotBlockPersistence(t *testing.T) {
	broker := &downBroker{}
	e := newTestEnv(t, envOptions{broker: broker})
	p := e.project(t, workflow.Draft)
	taskID, corr := e.start(t, workflow.StagePersona, p.ID)

	err := e.bus.Deliver(e.ctx, completed(taskID, workflow.StagePersona, corr, map[string]any{"personas": []any{map[string]any{"name": "Alice"}}}))
	require.NoError(t, err)
	assert.Equal(t, 1, broker.calls)
	assert.Equal(t, workflow.PersonaGenerated, e.reload(t, p.ID).Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Notifications.WithLabelValues("error")))
}

func TestEventWithoutProjectIsDropped(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	corr := lifecycle.NewCorrelation(lifecycle.CorrelationFields{UserID: 9})

	require.NoError(t, e.bus.Deliver(e.ctx, completed("orphan", workflow.StagePersona, corr, map[string]any{"personas": []any{}})))
	require.NoError(t, e.bus.Deliver(e.ctx, failed("orphan", workflow.StagePersona, corr, false)))
	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.EventsDropped.WithLabelValues(metrics.DropMissingProject)))

	gone := lifecycle.NewCorrelation(lifecycle.CorrelationFields{ProjectID: 404, UserID: 9})
	require.NoError(t, e.bus.Deliver(e.ctx, completed("ghost", workflow.StagePersona, gone, map[string]any{})))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.EventsDropped.WithLabelValues(metrics.DropProjectNotFound)))
}

func TestDeferRecoverableKeepsMarker(t *testing.T) {
	e := newTestEnv(t, envOptions{deferRecoverable: true})
	p := e.project(t, workflow.PersonaGenerated)
	taskID, corr := e.start(t, workflow.StageCompetitorDetection, p.ID)

	require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, workflow.StageCompetitorDetection, corr, true)))
	assert.Equal(t, workflow.CompetitorInProgress, e.reload(t, p.ID).Status)

	require.NoError(t, e.bus.Deliver(e.ctx, failed(taskID, workflow.StageCompetitorDetection, corr, false)))
	assert.Equal(t, workflow.PersonaGenerated, e.reload(t, p.ID).Status)
}

func TestWireDeclaresPersistersBeforeChainer(t *testing.T) {
	bus := lifecycle.NewBus(nil)
	saga.Wire(bus, saga.New(saga.Env{}, nil, &notify.Publisher{}, saga.Options{}))

	var names []string
	for _, h := range bus.Handlers(lifecycle.Completed) {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{
		"task.recorder",
		"persist.persona",
		"persist.competitor_detection",
		"persist.competitor_analysis",
		"persist.strategy",
		"persist.assets",
		"chain.competitor_analysis",
		"notify.publisher",
	}, names)
	assert.Len(t, bus.Handlers(lifecycle.Progress), 1)
}
