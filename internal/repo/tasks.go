package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"briefline/internal/domain"
	"briefline/internal/workflow"
)

const taskColumns = `uuid,stage,agent_id,arguments_json,context_json,COALESCE(project_id,0),status,result_json,tokens_input,tokens_output,tokens_total,cost,duration_ms,error_message,error_trace,chained_from,started_at,completed_at,created_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var stage string
	var result, errMsg, errTrace, chained, started, completed sql.NullString
	err := row.Scan(&t.UUID, &stage, &t.AgentID, &t.ArgumentsJSON, &t.ContextJSON, &t.ProjectID, &t.Status,
		&result, &t.TokensInput, &t.TokensOutput, &t.TokensTotal, &t.Cost, &t.DurationMs,
		&errMsg, &errTrace, &chained, &started, &completed, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Stage = workflow.Stage(stage)
	t.ResultJSON = stringPtr(result)
	t.ErrorMessage = stringPtr(errMsg)
	t.ErrorTrace = stringPtr(errTrace)
	t.ChainedFrom = stringPtr(chained)
	t.StartedAt = stringPtr(started)
	t.CompletedAt = stringPtr(completed)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	var projectID any
	if t.ProjectID > 0 {
		projectID = t.ProjectID
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tasks(uuid,stage,agent_id,arguments_json,context_json,project_id,status,chained_from,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.UUID, string(t.Stage), t.AgentID, t.ArgumentsJSON, t.ContextJSON, projectID, t.Status, nullableStringPtr(t.ChainedFrom), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, uuid string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, uuid)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, uuid string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE uuid=?`, uuid))
}

type TaskFilters struct {
	ProjectID int64
	Stage     workflow.Stage
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID > 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, uuid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTaskProcessing records a Started event. Terminal tasks are left alone so
// a late Started cannot reopen them.
func (r Repo) MarkTaskProcessing(ctx context.Context, tx *sql.Tx, uuid, agentID, startedAt string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET status=?, agent_id=COALESCE(NULLIF(?,''),agent_id), started_at=COALESCE(started_at,?)
WHERE uuid=? AND status IN (?,?)`,
		domain.TaskProcessing, agentID, startedAt, uuid, domain.TaskPending, domain.TaskProcessing)
	return affected(res, err)
}

// TaskOutcome is the terminal data reported for a task.
type TaskOutcome struct {
	ResultJSON   *string
	TokensInput  int64
	TokensOutput int64
	Cost         float64
	DurationMs   int64
	ErrorMessage *string
	ErrorTrace   *string
	CompletedAt  string
}

// CompleteTask stores a Completed outcome. A redelivered event rewrites the same values.
func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, uuid string, o TaskOutcome) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, tokens_input=?, tokens_output=?, tokens_total=?, cost=?, duration_ms=?,
error_message=NULL, error_trace=NULL, started_at=COALESCE(started_at,?), completed_at=? WHERE uuid=?`,
		domain.TaskCompleted, nullableStringPtr(o.ResultJSON), o.TokensInput, o.TokensOutput, o.TokensInput+o.TokensOutput, o.Cost, o.DurationMs,
		o.CompletedAt, o.CompletedAt, uuid)
	return affected(res, err)
}

// FailTask stores a Failed outcome unless the task already completed.
func (r Repo) FailTask(ctx context.Context, tx *sql.Tx, uuid string, o TaskOutcome) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE tasks SET status=?, error_message=?, error_trace=?, tokens_input=?, tokens_output=?, tokens_total=?, cost=?, duration_ms=?,
completed_at=? WHERE uuid=? AND status<>?`,
		domain.TaskFailed, nullableStringPtr(o.ErrorMessage), nullableStringPtr(o.ErrorTrace), o.TokensInput, o.TokensOutput, o.TokensInput+o.TokensOutput, o.Cost, o.DurationMs,
		o.CompletedAt, uuid, domain.TaskCompleted)
	return affected(res, err)
}

// FindChainedTask returns the live task dispatched from source, if any.
func (r Repo) FindChainedTask(ctx context.Context, tx *sql.Tx, source string) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE chained_from=? AND status<>? ORDER BY created_at DESC LIMIT 1`,
		source, domain.TaskFailed))
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
