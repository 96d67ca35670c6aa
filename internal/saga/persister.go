package saga

import (
	"context"
	"database/sql"
	"fmt"

	"briefline/internal/domain"
	"briefline/internal/events"
	"briefline/internal/lifecycle"
	"briefline/internal/repo"
	"briefline/internal/workflow"
)

// replaceFunc swaps the stage's rows of a project for the ones built from res.
// It returns the number of rows written.
type replaceFunc func(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error)

var replacers = map[workflow.Stage]replaceFunc{
	workflow.StagePersona:             replacePersonas,
	workflow.StageCompetitorDetection: replaceCompetitors,
	workflow.StageCompetitorAnalysis:  replaceAnalyses,
	workflow.StageStrategy:            replaceStrategy,
	workflow.StageAssets:              replaceAssets,
}

// Persister stores the result of one stage's Completed events and advances
// the project when it is still waiting on that stage.
type Persister struct {
	Env
	Stage   workflow.Stage
	replace replaceFunc
}

func NewPersister(env Env, stage workflow.Stage) *Persister {
	return &Persister{Env: env, Stage: stage, replace: replacers[stage]}
}

func (p *Persister) Name() string { return "persist." + string(p.Stage) }

// Handle replaces the stage rows and applies the guarded transition in one
// transaction. Storage errors are returned so the delivery is retried.
func (p *Persister) Handle(ctx context.Context, evt lifecycle.Event) error {
	if evt.Kind != lifecycle.Completed || evt.Stage != p.Stage {
		return nil
	}
	if p.replace == nil {
		return fmt.Errorf("no persister for stage %s", p.Stage)
	}
	projectID, ok := p.projectOf(p.Name(), evt)
	if !ok {
		return nil
	}
	spec := workflow.MustLookup(p.Stage)
	ts := p.now()

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := p.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		if p.projectMissing(p.Name(), evt, projectID, err) {
			return nil
		}
		return fmt.Errorf("load project %d: %w", projectID, err)
	}
	rows, err := p.replace(ctx, tx, p.Repo, projectID, evt.Result, ts)
	if err != nil {
		return fmt.Errorf("persist %s for project %d: %w", p.Stage, projectID, err)
	}

	from := project.Status
	advanced := false
	if spec.Completes != "" && workflow.Transition(&project, spec.InProgress, spec.Completes) {
		if project.ActiveTaskID == evt.TaskID {
			project.ActiveTaskID = ""
		}
		project.UpdatedAt = ts
		advanced, err = p.Repo.SaveStatus(ctx, tx, project, spec.InProgress)
		if err != nil {
			return fmt.Errorf("advance project %d: %w", projectID, err)
		}
	}
	if !advanced && spec.Completes != "" {
		p.logger().Info("status guard kept project status",
			"handler", p.Name(), "task_id", evt.TaskID, "project_id", projectID, "status", string(from))
	}

	payload := events.EventPayload{
		"stage":    string(p.Stage),
		"task_id":  evt.TaskID,
		"rows":     rows,
		"advanced": advanced,
	}
	if advanced {
		payload["from"] = string(from)
		payload["to"] = string(spec.Completes)
	}
	if err := p.Events.Append(ctx, tx, events.StagePersisted, projectID, "project", fmt.Sprint(projectID), events.SystemActor, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s for project %d: %w", p.Stage, projectID, err)
	}
	if advanced {
		p.Metrics.Transition(string(from), string(spec.Completes))
	}
	p.logger().Info("stage result persisted", "stage", string(p.Stage), "task_id", evt.TaskID, "project_id", projectID, "rows", rows, "advanced", advanced)
	return nil
}

func replacePersonas(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error) {
	var rows []domain.Persona
	for _, rec := range res.Records("personas", "persona") {
		rows = append(rows, domain.Persona{
			Name:        rec.Text("name"),
			Age:         rec.Get("age").Int(),
			Gender:      rec.Text("gender"),
			Job:         rec.Text("job", "occupation", "role"),
			Description: rec.Text("description", "bio"),
			Goals:       rec.Text("goals"),
			PainPoints:  rec.Text("pain_points", "painPoints"),
			Channels:    rec.Text("channels"),
			RawJSON:     rec.RawJSON(),
			CreatedAt:   ts,
		})
	}
	return len(rows), r.ReplacePersonas(ctx, tx, projectID, rows)
}

func replaceCompetitors(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error) {
	var rows []domain.Competitor
	for _, rec := range res.Records("competitors") {
		rows = append(rows, domain.Competitor{
			Name:        rec.Text("name"),
			Website:     rec.Text("website", "url"),
			Description: rec.Text("description"),
			Strengths:   rec.Text("strengths"),
			Weaknesses:  rec.Text("weaknesses"),
			Positioning: rec.Text("positioning"),
			RawJSON:     rec.RawJSON(),
			CreatedAt:   ts,
		})
	}
	return len(rows), r.ReplaceCompetitors(ctx, tx, projectID, rows)
}

func replaceAnalyses(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error) {
	recs := res.Records("analyses", "competitor_analyses", "competitorAnalyses", "analysis")
	if len(recs) == 0 {
		recs = []lifecycle.Record{lifecycle.NewRecord(res.Raw())}
	}
	var rows []domain.CompetitorAnalysis
	for _, rec := range recs {
		rows = append(rows, domain.CompetitorAnalysis{
			Competitor:    rec.Text("competitor", "name"),
			Summary:       rec.Text("summary"),
			Strengths:     rec.Text("strengths"),
			Weaknesses:    rec.Text("weaknesses"),
			Opportunities: rec.Text("opportunities"),
			Threats:       rec.Text("threats"),
			RawJSON:       rec.RawJSON(),
			CreatedAt:     ts,
		})
	}
	return len(rows), r.ReplaceAnalyses(ctx, tx, projectID, rows)
}

func replaceStrategy(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error) {
	rec := res.Record("strategy")
	row := domain.Strategy{
		Positioning:      rec.Text("positioning"),
		ValueProposition: rec.Text("value_proposition", "valueProposition"),
		KeyMessages:      rec.Text("key_messages", "keyMessages"),
		Channels:         rec.Text("channels"),
		Tone:             rec.Text("tone"),
		RawJSON:          rec.RawJSON(),
		CreatedAt:        ts,
	}
	return 1, r.ReplaceStrategy(ctx, tx, projectID, row)
}

func replaceAssets(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID int64, res lifecycle.Result, ts string) (int, error) {
	var rows []domain.Asset
	for _, rec := range res.Records("assets") {
		rows = append(rows, domain.Asset{
			Kind:      rec.Text("kind", "type"),
			Title:     rec.Text("title"),
			Channel:   rec.Text("channel"),
			Content:   rec.Text("content", "body"),
			RawJSON:   rec.RawJSON(),
			CreatedAt: ts,
		})
	}
	return len(rows), r.ReplaceAssets(ctx, tx, projectID, rows)
}
