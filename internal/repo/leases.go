package repo

import (
	"context"
	"database/sql"
	"time"

	"docforge/internal/domain"
)

// ClaimLease gives owner the run lease on an artifact unless another owner
// holds an unexpired one. It reports whether the lease is now owner's.
func (r Repo) ClaimLease(ctx context.Context, tx *sql.Tx, artifactID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	existing, err := r.GetLeaseTx(ctx, tx, artifactID)
	if err != nil && err != ErrNotFound {
		return false, err
	}
	if err == nil && existing.OwnerID != owner {
		exp, perr := time.Parse(time.RFC3339, existing.ExpiresAt)
		if perr == nil && now.Before(exp) {
			return false, nil
		}
	}
	lease := domain.Lease{
		ArtifactID: artifactID,
		OwnerID:    owner,
		AcquiredAt: now.UTC().Format(time.RFC3339),
		ExpiresAt:  now.Add(ttl).UTC().Format(time.RFC3339),
	}
	if err == nil && existing.OwnerID == owner {
		lease.AcquiredAt = existing.AcquiredAt
	}
	return true, r.UpsertLease(ctx, tx, lease)
}

func (r Repo) UpsertLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_leases(artifact_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(artifact_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lease.ArtifactID, lease.OwnerID, lease.AcquiredAt, lease.ExpiresAt)
	return err
}

// ReleaseLease drops the lease if owner still holds it.
func (r Repo) ReleaseLease(ctx context.Context, tx *sql.Tx, artifactID, owner string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pipeline_leases WHERE artifact_id=? AND owner_id=?`, artifactID, owner)
	return err
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, artifactID string) (domain.Lease, error) {
	return getLease(ctx, tx, artifactID)
}

func (r Repo) GetLease(ctx context.Context, artifactID string) (domain.Lease, error) {
	return getLease(ctx, r.DB, artifactID)
}

func getLease(ctx context.Context, q queryer, artifactID string) (domain.Lease, error) {
	var l domain.Lease
	err := q.QueryRowContext(ctx, `SELECT artifact_id,owner_id,acquired_at,expires_at FROM pipeline_leases WHERE artifact_id=?`, artifactID).
		Scan(&l.ArtifactID, &l.OwnerID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}
