package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"briefline/internal/domain"
)

// Stage result rows are replaced wholesale: every Replace* deletes the
// project's rows of that stage before inserting the new set.

func (r Repo) ReplacePersonas(ctx context.Context, tx *sql.Tx, projectID int64, rows []domain.Persona) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM personas WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete personas: %w", err)
	}
	for _, p := range rows {
		_, err := q.ExecContext(ctx, `INSERT INTO personas(project_id,name,age,gender,job,description,goals,pain_points,channels,raw_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			projectID, p.Name, p.Age, p.Gender, p.Job, p.Description, p.Goals, p.PainPoints, p.Channels, p.RawJSON, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert persona: %w", err)
		}
	}
	return nil
}

func (r Repo) ListPersonas(ctx context.Context, tx *sql.Tx, projectID int64) ([]domain.Persona, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,project_id,name,age,gender,job,description,goals,pain_points,channels,raw_json,created_at FROM personas WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Persona
	for rows.Next() {
		var p domain.Persona
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Age, &p.Gender, &p.Job, &p.Description, &p.Goals, &p.PainPoints, &p.Channels, &p.RawJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReplaceCompetitors stores a fresh detection result; every row starts unselected.
func (r Repo) ReplaceCompetitors(ctx context.Context, tx *sql.Tx, projectID int64, rows []domain.Competitor) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM competitors WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete competitors: %w", err)
	}
	for _, c := range rows {
		_, err := q.ExecContext(ctx, `INSERT INTO competitors(project_id,name,website,description,strengths,weaknesses,positioning,selected,raw_json,created_at) VALUES (?,?,?,?,?,?,?,0,?,?)`,
			projectID, c.Name, c.Website, c.Description, c.Strengths, c.Weaknesses, c.Positioning, c.RawJSON, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert competitor: %w", err)
		}
	}
	return nil
}

func (r Repo) ListCompetitors(ctx context.Context, tx *sql.Tx, projectID int64) ([]domain.Competitor, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,project_id,name,website,description,strengths,weaknesses,positioning,selected,raw_json,created_at FROM competitors WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Competitor
	for rows.Next() {
		var c domain.Competitor
		var selected int
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Website, &c.Description, &c.Strengths, &c.Weaknesses, &c.Positioning, &selected, &c.RawJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Selected = selected == 1
		res = append(res, c)
	}
	return res, rows.Err()
}

// SelectCompetitors makes ids the exact selected set of the project. Every id
// must belong to the project.
func (r Repo) SelectCompetitors(ctx context.Context, tx *sql.Tx, projectID int64, ids []int64) error {
	q := r.on(tx)
	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := []any{projectID}
		for _, id := range ids {
			args = append(args, id)
		}
		var n int
		err := q.QueryRowContext(ctx, `SELECT count(DISTINCT id) FROM competitors WHERE project_id=? AND id IN (`+placeholders+`)`, args...).Scan(&n)
		if err != nil {
			return err
		}
		if n != len(uniqueIDs(ids)) {
			return fmt.Errorf("competitor selection: %w", ErrNotFound)
		}
	}
	if _, err := q.ExecContext(ctx, `UPDATE competitors SET selected=0 WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, `UPDATE competitors SET selected=1 WHERE project_id=? AND id=?`, projectID, id); err != nil {
			return err
		}
	}
	return nil
}

func uniqueIDs(ids []int64) map[int64]struct{} {
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func (r Repo) ReplaceAnalyses(ctx context.Context, tx *sql.Tx, projectID int64, rows []domain.CompetitorAnalysis) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM competitor_analyses WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete competitor analyses: %w", err)
	}
	for _, a := range rows {
		_, err := q.ExecContext(ctx, `INSERT INTO competitor_analyses(project_id,competitor,summary,strengths,weaknesses,opportunities,threats,raw_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			projectID, a.Competitor, a.Summary, a.Strengths, a.Weaknesses, a.Opportunities, a.Threats, a.RawJSON, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert competitor analysis: %w", err)
		}
	}
	return nil
}

func (r Repo) ListAnalyses(ctx context.Context, tx *sql.Tx, projectID int64) ([]domain.CompetitorAnalysis, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,project_id,competitor,summary,strengths,weaknesses,opportunities,threats,raw_json,created_at FROM competitor_analyses WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompetitorAnalysis
	for rows.Next() {
		var a domain.CompetitorAnalysis
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Competitor, &a.Summary, &a.Strengths, &a.Weaknesses, &a.Opportunities, &a.Threats, &a.RawJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ReplaceStrategy(ctx context.Context, tx *sql.Tx, projectID int64, s domain.Strategy) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM strategies WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete strategies: %w", err)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO strategies(project_id,positioning,value_proposition,key_messages,channels,tone,raw_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		projectID, s.Positioning, s.ValueProposition, s.KeyMessages, s.Channels, s.Tone, s.RawJSON, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

func (r Repo) GetStrategy(ctx context.Context, tx *sql.Tx, projectID int64) (domain.Strategy, error) {
	var s domain.Strategy
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,project_id,positioning,value_proposition,key_messages,channels,tone,raw_json,created_at FROM strategies WHERE project_id=? ORDER BY id DESC LIMIT 1`, projectID).
		Scan(&s.ID, &s.ProjectID, &s.Positioning, &s.ValueProposition, &s.KeyMessages, &s.Channels, &s.Tone, &s.RawJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ReplaceAssets(ctx context.Context, tx *sql.Tx, projectID int64, rows []domain.Asset) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM assets WHERE project_id=?`, projectID); err != nil {
		return fmt.Errorf("delete assets: %w", err)
	}
	for _, a := range rows {
		_, err := q.ExecContext(ctx, `INSERT INTO assets(project_id,kind,title,channel,content,raw_json,created_at) VALUES (?,?,?,?,?,?,?)`,
			projectID, a.Kind, a.Title, a.Channel, a.Content, a.RawJSON, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
	}
	return nil
}

func (r Repo) ListAssets(ctx context.Context, tx *sql.Tx, projectID int64) ([]domain.Asset, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,project_id,kind,title,channel,content,raw_json,created_at FROM assets WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Kind, &a.Title, &a.Channel, &a.Content, &a.RawJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
