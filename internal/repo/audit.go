package repo

import (
	"context"
	"database/sql"

	"docforge/internal/domain"
)

// AppendAudit adds an entry to an artifact's audit log and returns its ID.
// Entries are never updated or deleted; ID order is transcript order.
func (r Repo) AppendAudit(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(artifact_id,role,content,unit_key,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		e.ArtifactID, e.Role, e.Content, nullable(e.UnitKey), nullable(e.ActorID), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListAudit(ctx context.Context, artifactID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,artifact_id,role,content,COALESCE(unit_key,''),COALESCE(actor_id,''),created_at FROM audit_entries WHERE artifact_id=? ORDER BY id ASC`, artifactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.ArtifactID, &e.Role, &e.Content, &e.UnitKey, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
