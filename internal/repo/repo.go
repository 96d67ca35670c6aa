package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"briefline/internal/domain"
	"briefline/internal/workflow"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set, the pool otherwise.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,name,sector,owner_id,brief_json,status,COALESCE(active_task_id,'') AS active_task_id,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var status string
	err := row.Scan(&p.ID, &p.Name, &p.Sector, &p.OwnerID, &p.BriefJSON, &status, &p.ActiveTaskID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.Status = workflow.Status(status)
	return p, err
}

// InsertProject stores p and returns its new id.
func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	if p.BriefJSON == "" {
		p.BriefJSON = "{}"
	}
	if p.Status == "" {
		p.Status = workflow.Draft
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO projects(name,sector,owner_id,brief_json,status,active_task_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.Name, p.Sector, p.OwnerID, p.BriefJSON, string(p.Status), nullable(p.ActiveTaskID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Project, error) {
	return scanProject(r.on(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// ListProjects lists projects newest first. ownerID 0 lists every owner.
func (r Repo) ListProjects(ctx context.Context, ownerID int64) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if ownerID > 0 {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectBrief(ctx context.Context, tx *sql.Tx, id int64, name, sector *string, briefJSON, updatedAt string) error {
	fields := []string{"brief_json=?", "updated_at=?"}
	args := []any{briefJSON, updatedAt}
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if sector != nil {
		fields = append(fields, "sector=?")
		args = append(args, *sector)
	}
	args = append(args, id)
	res, err := r.on(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveStatus writes p's status and active task only if the stored status still
// equals expected. It reports false when another writer moved the project first.
func (r Repo) SaveStatus(ctx context.Context, tx *sql.Tx, p domain.Project, expected workflow.Status) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE projects SET status=?, active_task_id=?, updated_at=? WHERE id=? AND status=?`,
		string(p.Status), nullable(p.ActiveTaskID), p.UpdatedAt, p.ID, string(expected))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Status gathers what the client's fallback poll needs in one read.
func (r Repo) Status(ctx context.Context, projectID int64) (domain.StatusReport, error) {
	p, err := r.GetProject(ctx, projectID)
	if err != nil {
		return domain.StatusReport{}, err
	}
	rep := domain.StatusReport{ProjectID: p.ID, Status: p.Status, ActiveTaskID: p.ActiveTaskID}
	var personas, competitors, selected, analyses, strategies, assets int
	err = r.DB.QueryRowContext(ctx, `SELECT
  (SELECT count(*) FROM personas WHERE project_id=?1),
  (SELECT count(*) FROM competitors WHERE project_id=?1),
  (SELECT count(*) FROM competitors WHERE project_id=?1 AND selected=1),
  (SELECT count(*) FROM competitor_analyses WHERE project_id=?1),
  (SELECT count(*) FROM strategies WHERE project_id=?1),
  (SELECT count(*) FROM assets WHERE project_id=?1)`, projectID).
		Scan(&personas, &competitors, &selected, &analyses, &strategies, &assets)
	if err != nil {
		return rep, err
	}
	rep.HasPersonas = personas > 0
	rep.HasCompetitors = competitors > 0
	rep.SelectedCompetitors = selected
	rep.HasAnalysis = analyses > 0
	rep.HasStrategy = strategies > 0
	rep.HasAssets = assets > 0
	return rep, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
