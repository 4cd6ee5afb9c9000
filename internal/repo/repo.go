package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
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
	return *v
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	if p.Version == 0 {
		p.Version = 1
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(id,workflow,stage,status,doc_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Workflow, p.Stage, p.Status, string(doc), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

// SaveProject writes the whole project document if its stored version still
// equals p.Version, and returns the new version.
func (r Repo) SaveProject(ctx context.Context, tx *sql.Tx, p domain.Project) (int, error) {
	expected := p.Version
	p.Version = expected + 1
	doc, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal project: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET stage=?, status=?, doc_json=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.Stage, p.Status, string(doc), p.Version, p.UpdatedAt, p.ID, expected)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getProject(ctx, tx, p.ID); err != nil {
			return 0, err
		}
		return 0, ErrVersionConflict
	}
	return p.Version, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q queryer, id string) (domain.Project, error) {
	var (
		p       domain.Project
		doc     string
		version int
	)
	err := q.QueryRowContext(ctx, `SELECT doc_json, version FROM projects WHERE id=?`, id).Scan(&doc, &version)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return p, fmt.Errorf("decode project %s: %w", id, err)
	}
	p.Version = version
	return p, nil
}

type ProjectFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT doc_json, version FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var (
			p       domain.Project
			doc     string
			version int
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, err
		}
		p.Version = version
		res = append(res, p)
	}
	return res, rows.Err()
}
