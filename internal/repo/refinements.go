package repo

import (
	"context"
	"database/sql"

	"docforge/internal/domain"
)

const refinementColumns = `id,artifact_id,unit_key,change_text,status,requested_by,applied_by,applied_at,COALESCE(reason,''),created_at`

func (r Repo) InsertRefinement(ctx context.Context, tx *sql.Tx, req domain.RefinementRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO refinement_requests(id,artifact_id,unit_key,change_text,status,requested_by,applied_by,applied_at,reason,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ArtifactID, req.UnitKey, req.Change, req.Status, req.RequestedBy,
		nullableStringPtr(req.AppliedBy), nullableStringPtr(req.AppliedAt), nullable(req.Reason), req.CreatedAt)
	return err
}

// ResolveRefinement moves a pending request to applied or rejected.
func (r Repo) ResolveRefinement(ctx context.Context, tx *sql.Tx, req domain.RefinementRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE refinement_requests SET status=?, applied_by=?, applied_at=?, reason=? WHERE id=? AND status=?`,
		req.Status, nullableStringPtr(req.AppliedBy), nullableStringPtr(req.AppliedAt), nullable(req.Reason), req.ID, domain.RefinementPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRefinement(ctx context.Context, id string) (domain.RefinementRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+refinementColumns+` FROM refinement_requests WHERE id=?`, id)
	if err != nil {
		return domain.RefinementRequest{}, err
	}
	res, err := scanRefinements(rows)
	if err != nil {
		return domain.RefinementRequest{}, err
	}
	if len(res) == 0 {
		return domain.RefinementRequest{}, ErrNotFound
	}
	return res[0], nil
}

func (r Repo) ListRefinements(ctx context.Context, artifactID string) ([]domain.RefinementRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+refinementColumns+` FROM refinement_requests WHERE artifact_id=? ORDER BY created_at ASC, rowid ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	return scanRefinements(rows)
}

func scanRefinements(rows *sql.Rows) ([]domain.RefinementRequest, error) {
	defer rows.Close()
	var res []domain.RefinementRequest
	for rows.Next() {
		var (
			req       domain.RefinementRequest
			appliedBy sql.NullString
			appliedAt sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.ArtifactID, &req.UnitKey, &req.Change, &req.Status, &req.RequestedBy, &appliedBy, &appliedAt, &req.Reason, &req.CreatedAt); err != nil {
			return nil, err
		}
		if appliedBy.Valid {
			req.AppliedBy = &appliedBy.String
		}
		if appliedAt.Valid {
			req.AppliedAt = &appliedAt.String
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
