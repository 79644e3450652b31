package buildstate

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/store"
)

type fakeStore struct {
	builds map[string]*domain.Build
	logs   map[string][]*domain.BuildLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{builds: make(map[string]*domain.Build), logs: make(map[string][]*domain.BuildLogEntry)}
}

func (f *fakeStore) InsertBuild(_ context.Context, b *domain.Build) error {
	cp := *b
	f.builds[b.ID] = &cp
	return nil
}

func (f *fakeStore) GetBuild(_ context.Context, id string) (*domain.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return nil, apierr.NotFound("not found")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) ListBuilds(_ context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error) {
	var out []*domain.Build
	for _, b := range f.builds {
		if status == nil || b.Status == *status {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionBuild(_ context.Context, id string, from, to domain.BuildStatus, effects store.TransitionEffects) error {
	b, ok := f.builds[id]
	if !ok {
		return apierr.NotFound("not found")
	}
	if b.Status != from {
		return apierr.IllegalTransition("wrong status")
	}
	b.Status = to
	if effects.StartedAt != nil {
		b.StartedAt = effects.StartedAt
	}
	if effects.CompletedAt != nil {
		b.CompletedAt = effects.CompletedAt
	}
	if effects.ResultPath != nil {
		b.ResultPath = effects.ResultPath
	}
	if effects.ResultSignature != nil {
		b.ResultSignature = effects.ResultSignature
	}
	if effects.FailureMessage != nil {
		b.FailureMessage = effects.FailureMessage
	}
	if effects.ClearWorker {
		b.WorkerID = nil
		b.AssignedAt = nil
		b.StartedAt = nil
	}
	return nil
}

func (f *fakeStore) AppendLog(_ context.Context, e *domain.BuildLogEntry) error {
	f.logs[e.BuildID] = append(f.logs[e.BuildID], e)
	return nil
}

func (f *fakeStore) ListLogs(_ context.Context, buildID string, after int64, limit int) ([]*domain.BuildLogEntry, error) {
	return f.logs[buildID], nil
}

type fakeRegistry struct {
	outcomes map[string]bool
}

func (f *fakeRegistry) RecordOutcome(_ context.Context, workerID string, succeeded bool) error {
	if f.outcomes == nil {
		f.outcomes = make(map[string]bool)
	}
	f.outcomes[workerID] = succeeded
	return nil
}

func newTestMachine() (*Machine, *fakeStore, *fakeRegistry) {
	fs := newFakeStore()
	fr := &fakeRegistry{}
	return New(fs, fr, logr.Discard()), fs, fr
}

func TestSubmitRejectsUnknownPlatform(t *testing.T) {
	m, _, _ := newTestMachine()
	if _, err := m.Submit(context.Background(), "b1", domain.Platform("wasm"), "src", nil, nil); err == nil {
		t.Fatal("expected validation error for unknown platform")
	}
}

func TestFullLifecycleToCompleted(t *testing.T) {
	m, fs, fr := newTestMachine()
	ctx := context.Background()

	b, err := m.Submit(ctx, "b1", domain.PlatformIOS, "src", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fs.builds[b.ID].Status = domain.BuildAssigned
	fs.builds[b.ID].WorkerID = strPtr("w1")

	if err := m.Start(ctx, "b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if fs.builds["b1"].Status != domain.BuildBuilding {
		t.Fatalf("status = %v, want Building", fs.builds["b1"].Status)
	}

	if err := m.Complete(ctx, "b1", "w1", "results/b1.tar.gz", "sig-abc"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if fs.builds["b1"].ResultSignature == nil || *fs.builds["b1"].ResultSignature != "sig-abc" {
		t.Errorf("ResultSignature = %v, want sig-abc", fs.builds["b1"].ResultSignature)
	}
	if fs.builds["b1"].Status != domain.BuildCompleted {
		t.Fatalf("status = %v, want Completed", fs.builds["b1"].Status)
	}
	if !fr.outcomes["w1"] {
		t.Error("expected worker outcome recorded as success")
	}
}

func TestStartIsIdempotentOnAlreadyBuilding(t *testing.T) {
	m, fs, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Submit(ctx, "b1", domain.PlatformIOS, "src", nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fs.builds["b1"].Status = domain.BuildBuilding

	if err := m.Start(ctx, "b1"); err != nil {
		t.Fatalf("Start on already-Building build should be a no-op, got: %v", err)
	}
	if fs.builds["b1"].Status != domain.BuildBuilding {
		t.Fatalf("status = %v, want Building", fs.builds["b1"].Status)
	}
}

func TestCancelRejectsTerminalBuild(t *testing.T) {
	m, fs, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Submit(ctx, "b1", domain.PlatformAndroid, "src", nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fs.builds["b1"].Status = domain.BuildCompleted

	if err := m.Cancel(ctx, "b1"); err == nil {
		t.Fatal("expected cancel of terminal build to fail")
	}
}

func TestRetryRequiresFailedSource(t *testing.T) {
	m, fs, _ := newTestMachine()
	ctx := context.Background()

	if _, err := m.Submit(ctx, "b1", domain.PlatformIOS, "src", nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Retry(ctx, "b2", "b1"); err == nil {
		t.Fatal("expected retry of non-failed build to fail")
	}

	fs.builds["b1"].Status = domain.BuildFailed
	b2, err := m.Retry(ctx, "b2", "b1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if b2.RetryOfID == nil || *b2.RetryOfID != "b1" {
		t.Errorf("RetryOfID = %v, want b1", b2.RetryOfID)
	}
	if fs.builds["b1"].Status != domain.BuildFailed {
		t.Error("expected original failed build to remain untouched")
	}
}

func strPtr(s string) *string { return &s }
