package sweep

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/smrt-devops/buildctl/internal/domain"
)

type fakeRegistry struct {
	staleCount int
	workers    []*domain.Worker
}

func (f *fakeRegistry) SweepStale(_ context.Context) (int, error) { return f.staleCount, nil }
func (f *fakeRegistry) List(_ context.Context) ([]*domain.Worker, error) { return f.workers, nil }

type fakeAuthority struct {
	purged int64
}

func (f *fakeAuthority) CleanupExpired(_ context.Context) (int64, error) { return f.purged, nil }

type fakeBuildState struct {
	builds     map[string]*domain.Build
	reassigned []string
}

func (f *fakeBuildState) List(_ context.Context, status *domain.BuildStatus, _ int) ([]*domain.Build, error) {
	var out []*domain.Build
	for _, b := range f.builds {
		if status == nil || b.Status == *status {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBuildState) Reassign(_ context.Context, id string, _ domain.BuildStatus) error {
	f.reassigned = append(f.reassigned, id)
	if b, ok := f.builds[id]; ok {
		b.Status = domain.BuildPending
		b.WorkerID = nil
	}
	return nil
}

func TestRunOnceReassignsOrphanedBuilds(t *testing.T) {
	workerID := "w1"
	reg := &fakeRegistry{
		staleCount: 1,
		workers:    []*domain.Worker{{ID: workerID, Status: domain.WorkerOffline}},
	}
	bs := &fakeBuildState{builds: map[string]*domain.Build{
		"b1": {ID: "b1", Status: domain.BuildBuilding, WorkerID: &workerID},
	}}
	auth := &fakeAuthority{purged: 2}

	sw := New(reg, bs, auth, logr.Discard())
	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(bs.reassigned) != 1 || bs.reassigned[0] != "b1" {
		t.Errorf("reassigned = %v, want [b1]", bs.reassigned)
	}
	if bs.builds["b1"].Status != domain.BuildPending {
		t.Errorf("status = %v, want Pending", bs.builds["b1"].Status)
	}
}

func TestRunOnceSkipsReassignWhenNoEvictions(t *testing.T) {
	reg := &fakeRegistry{staleCount: 0}
	bs := &fakeBuildState{builds: map[string]*domain.Build{}}
	auth := &fakeAuthority{}

	sw := New(reg, bs, auth, logr.Discard())
	if err := sw.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(bs.reassigned) != 0 {
		t.Errorf("reassigned = %v, want none", bs.reassigned)
	}
}
