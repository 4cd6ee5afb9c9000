package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"docforge/internal/domain"
)

// DuplicateArtifactError reports that an artifact of Kind already exists for
// ProjectID. ExistingID is the stored artifact.
type DuplicateArtifactError struct {
	ProjectID  string
	Kind       string
	ExistingID string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact %s already exists for project %s (%s)", e.Kind, e.ProjectID, e.ExistingID)
}

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// CreateArtifact inserts a under the (project, kind) uniqueness constraint.
// A violation is reported as *DuplicateArtifactError.
func (r Repo) CreateArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	if a.Version == 0 {
		a.Version = 1
	}
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,kind,status,doc_json,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Kind, a.Status, string(doc), a.Version, a.CreatedAt, a.UpdatedAt)
	if err == nil {
		return nil
	}
	if !isConstraintViolation(err) {
		return err
	}
	existing, lookupErr := getArtifactByKind(ctx, tx, a.ProjectID, a.Kind)
	if lookupErr != nil {
		// foreign key or check violation, not a duplicate
		return err
	}
	return &DuplicateArtifactError{ProjectID: a.ProjectID, Kind: a.Kind, ExistingID: existing.ID}
}

// SaveArtifact writes the whole artifact document if its stored version still
// equals a.Version, and returns the new version.
func (r Repo) SaveArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) (int, error) {
	expected := a.Version
	a.Version = expected + 1
	doc, err := json.Marshal(a)
	if err != nil {
		return 0, fmt.Errorf("marshal artifact: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=?, doc_json=?, version=?, updated_at=? WHERE id=? AND version=?`,
		a.Status, string(doc), a.Version, a.UpdatedAt, a.ID, expected)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getArtifact(ctx, tx, a.ID); err != nil {
			return 0, err
		}
		return 0, ErrVersionConflict
	}
	return a.Version, nil
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return getArtifact(ctx, r.DB, id)
}

func (r Repo) GetArtifactTx(ctx context.Context, tx *sql.Tx, id string) (domain.Artifact, error) {
	return getArtifact(ctx, tx, id)
}

func (r Repo) GetArtifactByKind(ctx context.Context, projectID, kind string) (domain.Artifact, error) {
	return getArtifactByKind(ctx, r.DB, projectID, kind)
}

func (r Repo) GetArtifactByKindTx(ctx context.Context, tx *sql.Tx, projectID, kind string) (domain.Artifact, error) {
	return getArtifactByKind(ctx, tx, projectID, kind)
}

func getArtifact(ctx context.Context, q queryer, id string) (domain.Artifact, error) {
	return scanArtifact(q.QueryRowContext(ctx, `SELECT doc_json, version FROM artifacts WHERE id=?`, id))
}

func getArtifactByKind(ctx context.Context, q queryer, projectID, kind string) (domain.Artifact, error) {
	return scanArtifact(q.QueryRowContext(ctx, `SELECT doc_json, version FROM artifacts WHERE project_id=? AND kind=?`, projectID, kind))
}

func scanArtifact(row *sql.Row) (domain.Artifact, error) {
	var (
		a       domain.Artifact
		doc     string
		version int
	)
	err := row.Scan(&doc, &version)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return a, fmt.Errorf("decode artifact: %w", err)
	}
	a.Version = version
	return a, nil
}

// ListArtifacts returns artifacts of a project, or every artifact in one of
// statuses when projectID is empty.
func (r Repo) ListArtifacts(ctx context.Context, projectID string, statuses ...string) ([]domain.Artifact, error) {
	query := `SELECT doc_json, version FROM artifacts WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeatPlaceholders(len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var (
			a       domain.Artifact
			doc     string
			version int
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, err
		}
		a.Version = version
		res = append(res, a)
	}
	return res, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ",?"
	}
	return s
}
