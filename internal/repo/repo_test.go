package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"docforge/internal/db"
	"docforge/internal/domain"
	"docforge/internal/migrate"
)

const ts = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seedProject(t *testing.T, r Repo, id string) domain.Project {
	t.Helper()
	p := domain.Project{
		ID: id, Title: "Course", Workflow: "project", Stage: 1, Status: "research",
		Progress:  []domain.StageProgress{{Stage: 1, Name: "research"}},
		CreatedAt: ts, UpdatedAt: ts, Version: 1,
	}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.InsertProject(context.Background(), tx, p) }); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	return p
}

func TestCreateArtifactDuplicateIsTyped(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p1")

	first := domain.Artifact{ID: "a1", ProjectID: "p1", Kind: "curriculum_package", Status: domain.ArtifactPending, CreatedAt: ts, UpdatedAt: ts}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.CreateArtifact(ctx, tx, first) }); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	second := first
	second.ID = "a2"
	err := inTx(t, r, func(tx *sql.Tx) error { return r.CreateArtifact(ctx, tx, second) })
	var dup *DuplicateArtifactError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateArtifactError, got %v", err)
	}
	if dup.ExistingID != "a1" {
		t.Fatalf("expected existing id a1, got %s", dup.ExistingID)
	}

	orphan := domain.Artifact{ID: "a3", ProjectID: "missing", Kind: "curriculum_package", Status: domain.ArtifactPending, CreatedAt: ts, UpdatedAt: ts}
	err = inTx(t, r, func(tx *sql.Tx) error { return r.CreateArtifact(ctx, tx, orphan) })
	if err == nil || errors.As(err, &dup) {
		t.Fatalf("expected foreign key error, got %v", err)
	}

	all, err := r.ListArtifacts(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one artifact, got %d", len(all))
	}
}

func TestSaveProjectVersionCheck(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")

	p.Stage = 2
	p.Status = "cost_review"
	var v int
	if err := inTx(t, r, func(tx *sql.Tx) error {
		var err error
		v, err = r.SaveProject(ctx, tx, p)
		return err
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
	// p still carries version 1
	err := inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.SaveProject(ctx, tx, p)
		return err
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	got, err := r.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != 2 || got.Version != 2 {
		t.Fatalf("unexpected stored project: stage=%d version=%d", got.Stage, got.Version)
	}

	missing := p
	missing.ID = "nope"
	err = inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.SaveProject(ctx, tx, missing)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditAndRefinements(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p1")
	a := domain.Artifact{ID: "a1", ProjectID: "p1", Kind: "k", Status: domain.ArtifactPending, CreatedAt: ts, UpdatedAt: ts}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.CreateArtifact(ctx, tx, a) }); err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	req := domain.RefinementRequest{ID: "r1", ArtifactID: "a1", UnitKey: "overview", Change: "shorter", Status: domain.RefinementPending, RequestedBy: "alice", CreatedAt: ts}
	if err := inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertRefinement(ctx, tx, req); err != nil {
			return err
		}
		for _, content := range []string{"first", "second", "third"} {
			if _, err := r.AppendAudit(ctx, tx, domain.AuditEntry{ArtifactID: "a1", Role: domain.RoleSystem, Content: content, CreatedAt: ts}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	entries, err := r.ListAudit(ctx, "a1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 3 || entries[0].Content != "first" || entries[2].Content != "third" {
		t.Fatalf("unexpected audit order: %+v", entries)
	}

	actor := "alice"
	req.Status = domain.RefinementApplied
	req.AppliedBy = &actor
	req.AppliedAt = &actor
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.ResolveRefinement(ctx, tx, req) }); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.ResolveRefinement(ctx, tx, req) }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second resolve should find no pending request, got %v", err)
	}
	got, err := r.GetRefinement(ctx, "r1")
	if err != nil {
		t.Fatalf("get refinement: %v", err)
	}
	if got.Status != domain.RefinementApplied || got.AppliedBy == nil || *got.AppliedBy != "alice" {
		t.Fatalf("unexpected refinement: %+v", got)
	}
}

func TestClaimLease(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProject(t, r, "p1")
	a := domain.Artifact{ID: "a1", ProjectID: "p1", Kind: "k", Status: domain.ArtifactPending, CreatedAt: ts, UpdatedAt: ts}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.CreateArtifact(ctx, tx, a) }); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	claim := func(owner string, at time.Time) bool {
		var ok bool
		if err := inTx(t, r, func(tx *sql.Tx) error {
			var err error
			ok, err = r.ClaimLease(ctx, tx, "a1", owner, at, time.Minute)
			return err
		}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		return ok
	}
	if !claim("e1", now) {
		t.Fatalf("first claim should succeed")
	}
	if claim("e2", now.Add(30*time.Second)) {
		t.Fatalf("claim of a live lease by another owner should fail")
	}
	if !claim("e1", now.Add(30*time.Second)) {
		t.Fatalf("owner should renew its own lease")
	}
	if !claim("e2", now.Add(5*time.Minute)) {
		t.Fatalf("expired lease should be claimable")
	}
	l, err := r.GetLease(ctx, "a1")
	if err != nil || l.OwnerID != "e2" {
		t.Fatalf("unexpected lease %+v err=%v", l, err)
	}
}
