package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/smrt-devops/buildctl/internal/domain"
)

// openTestStore connects to a live Postgres instance configured via
// BUILDCTL_TEST_DSN, migrating it, and skips the test otherwise. These are
// integration tests, not unit tests: spinning up Postgres is left to the
// environment running them, the same split the corpus's own database
// suites draw.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BUILDCTL_TEST_DSN")
	if dsn == "" {
		t.Skip("BUILDCTL_TEST_DSN not set, skipping store integration test")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, logr.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestInsertAndGetBuild(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	b := &domain.Build{
		ID:          id,
		Platform:    domain.PlatformIOS,
		Status:      domain.BuildPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  "sources/" + id + ".tar.gz",
	}
	if err := s.InsertBuild(ctx, b); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}

	got, err := s.GetBuild(ctx, id)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.Status != domain.BuildPending {
		t.Errorf("Status = %v, want Pending", got.Status)
	}
	if got.Platform != domain.PlatformIOS {
		t.Errorf("Platform = %v, want ios", got.Platform)
	}
}

func TestTryAssignOneSkipsNonMatchingPlatform(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	b := &domain.Build{
		ID:          id,
		Platform:    domain.PlatformAndroid,
		Status:      domain.BuildPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  "sources/" + id + ".tar.gz",
	}
	if err := s.InsertBuild(ctx, b); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}

	got, err := s.TryAssignOne(ctx, uuid.NewString(), domain.PlatformIOS)
	if err != nil {
		t.Fatalf("TryAssignOne: %v", err)
	}
	if got != nil {
		t.Errorf("expected no assignable build for ios, got %v", got.ID)
	}
}

func TestTryAssignOneClaimsOldestPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	b := &domain.Build{
		ID:          id,
		Platform:    domain.PlatformIOS,
		Status:      domain.BuildPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  "sources/" + id + ".tar.gz",
	}
	if err := s.InsertBuild(ctx, b); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}

	workerID := uuid.NewString()
	got, err := s.TryAssignOne(ctx, workerID, domain.PlatformIOS)
	if err != nil {
		t.Fatalf("TryAssignOne: %v", err)
	}
	if got == nil {
		t.Fatal("expected a claimed build")
	}
	if got.Status != domain.BuildAssigned {
		t.Errorf("Status = %v, want Assigned", got.Status)
	}
	if got.WorkerID == nil || *got.WorkerID != workerID {
		t.Errorf("WorkerID = %v, want %s", got.WorkerID, workerID)
	}

	again, err := s.TryAssignOne(ctx, uuid.NewString(), domain.PlatformIOS)
	if err != nil {
		t.Fatalf("TryAssignOne (second): %v", err)
	}
	if again != nil {
		t.Errorf("expected build to already be claimed, got %v", again.ID)
	}
}

func TestTransitionBuildStoresResultSignature(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	b := &domain.Build{
		ID:          id,
		Platform:    domain.PlatformIOS,
		Status:      domain.BuildPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  "sources/" + id + ".tar.gz",
	}
	if err := s.InsertBuild(ctx, b); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}
	workerID := uuid.NewString()
	if _, err := s.TryAssignOne(ctx, workerID, domain.PlatformIOS); err != nil {
		t.Fatalf("TryAssignOne: %v", err)
	}
	now := time.Now().UTC()
	if err := s.TransitionBuild(ctx, id, domain.BuildAssigned, domain.BuildBuilding, TransitionEffects{StartedAt: &now}); err != nil {
		t.Fatalf("TransitionBuild (start): %v", err)
	}

	resultPath := "results/" + id + ".bin"
	sig := "fake-jws-signature"
	if err := s.TransitionBuild(ctx, id, domain.BuildBuilding, domain.BuildCompleted, TransitionEffects{
		CompletedAt:     &now,
		ResultPath:      &resultPath,
		ResultSignature: &sig,
		RevokeTokens:    true,
	}); err != nil {
		t.Fatalf("TransitionBuild (complete): %v", err)
	}

	got, err := s.GetBuild(ctx, id)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.ResultSignature == nil || *got.ResultSignature != sig {
		t.Errorf("ResultSignature = %v, want %q", got.ResultSignature, sig)
	}
}

func TestReassignWorkerBuildsClearsInFlightOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	workerID := uuid.NewString()
	id := uuid.NewString()
	b := &domain.Build{
		ID:          id,
		Platform:    domain.PlatformAndroid,
		Status:      domain.BuildPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  "sources/" + id + ".tar.gz",
	}
	if err := s.InsertBuild(ctx, b); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}
	if _, err := s.TryAssignOne(ctx, workerID, domain.PlatformAndroid); err != nil {
		t.Fatalf("TryAssignOne: %v", err)
	}

	n, err := s.ReassignWorkerBuilds(ctx, workerID)
	if err != nil {
		t.Fatalf("ReassignWorkerBuilds: %v", err)
	}
	if n != 1 {
		t.Errorf("reassigned %d builds, want 1", n)
	}

	got, err := s.GetBuild(ctx, id)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.Status != domain.BuildPending {
		t.Errorf("Status = %v, want Pending", got.Status)
	}
	if got.WorkerID != nil {
		t.Errorf("WorkerID = %v, want nil", got.WorkerID)
	}
}
