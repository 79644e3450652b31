// Package buildstate is the Build State Machine of spec.md §4.2: the
// guarded transition graph every build follows from submission to a
// terminal outcome, plus the side effects (timestamps, token revocation,
// worker counters) each transition carries.
package buildstate

import (
	"context"
	"fmt"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/store"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Store is the subset of *store.Store the state machine depends on.
type Store interface {
	InsertBuild(ctx context.Context, b *domain.Build) error
	GetBuild(ctx context.Context, id string) (*domain.Build, error)
	ListBuilds(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error)
	TransitionBuild(ctx context.Context, id string, from, to domain.BuildStatus, effects store.TransitionEffects) error
	AppendLog(ctx context.Context, entry *domain.BuildLogEntry) error
	ListLogs(ctx context.Context, buildID string, after int64, limit int) ([]*domain.BuildLogEntry, error)
}

// Registry is the subset of *registry.Registry the state machine depends on
// for worker outcome bookkeeping.
type Registry interface {
	RecordOutcome(ctx context.Context, workerID string, succeeded bool) error
}

// Machine implements the build lifecycle.
type Machine struct {
	store    Store
	registry Registry
	log      utils.Logger
}

// New constructs a Machine.
func New(st Store, reg Registry, log utils.Logger) *Machine {
	return &Machine{store: st, registry: reg, log: log.WithName("buildstate")}
}

// Submit creates a new build in Pending status. If retryOf is non-empty, the
// new build records it as the failed build being retried — retrying never
// reopens the terminal build itself, it only creates a new one (spec §4.2).
func (m *Machine) Submit(ctx context.Context, id string, platform domain.Platform, sourcePath string, credentialPath *string, retryOf *string) (*domain.Build, error) {
	if !platform.Valid() {
		return nil, apierr.Validation("unknown platform")
	}
	b := &domain.Build{
		ID:             id,
		Platform:       platform,
		Status:         domain.BuildPending,
		SubmittedAt:    time.Now().UTC(),
		SourcePath:     sourcePath,
		CredentialPath: credentialPath,
		RetryOfID:      retryOf,
	}
	if err := m.store.InsertBuild(ctx, b); err != nil {
		return nil, err
	}
	metrics.BuildsSubmittedTotal.WithLabelValues(string(platform)).Inc()
	return b, nil
}

// Retry creates a new Pending build cloning a Failed build's platform and
// source, never reopening the original (spec §4.2, §9 Open Question 3's
// sibling decision).
func (m *Machine) Retry(ctx context.Context, newID, failedID string) (*domain.Build, error) {
	failed, err := m.store.GetBuild(ctx, failedID)
	if err != nil {
		return nil, err
	}
	if failed.Status != domain.BuildFailed {
		return nil, apierr.IllegalTransition("only a Failed build can be retried")
	}
	b, err := m.Submit(ctx, newID, failed.Platform, failed.SourcePath, failed.CredentialPath, &failedID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_ = m.store.AppendLog(ctx, &domain.BuildLogEntry{
		BuildID:    failedID,
		Severity:   domain.LogInfo,
		Message:    fmt.Sprintf("retried as build %s", newID),
		InsertedAt: now,
	})
	_ = m.store.AppendLog(ctx, &domain.BuildLogEntry{
		BuildID:    newID,
		Severity:   domain.LogInfo,
		Message:    fmt.Sprintf("retry of failed build %s", failedID),
		InsertedAt: now,
	})
	return b, nil
}

// Start transitions Assigned -> Building, stamping startedAt. Called when
// the assigned worker's first poll confirms it has begun work. A build
// already in Building is left alone rather than erroring: a worker may call
// this more than once for the same assignment (e.g. a retried poll), and
// only the first call should actually start the clock.
func (m *Machine) Start(ctx context.Context, id string) error {
	b, err := m.store.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	if b.Status == domain.BuildBuilding {
		return nil
	}
	now := time.Now().UTC()
	return m.store.TransitionBuild(ctx, id, domain.BuildAssigned, domain.BuildBuilding, store.TransitionEffects{
		StartedAt: &now,
	})
}

// Complete transitions Building -> Completed, recording the result path, its
// detached result signature (empty when the controller has no signing key
// configured), and revoking the build's guest token in the same transaction
// (spec §9 Open Question decision: guest tokens are revoked immediately on
// any terminal transition).
func (m *Machine) Complete(ctx context.Context, id, workerID, resultPath, resultSignature string) error {
	b, err := m.store.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	effects := store.TransitionEffects{
		CompletedAt:  &now,
		ResultPath:   &resultPath,
		RevokeTokens: true,
	}
	if resultSignature != "" {
		effects.ResultSignature = &resultSignature
	}
	if err := m.store.TransitionBuild(ctx, id, domain.BuildBuilding, domain.BuildCompleted, effects); err != nil {
		return err
	}
	recordTerminal(b.Platform, domain.BuildCompleted, b.SubmittedAt, now)
	return m.registry.RecordOutcome(ctx, workerID, true)
}

// Fail transitions Building -> Failed, recording the failure message and
// revoking the build's guest token.
func (m *Machine) Fail(ctx context.Context, id, workerID, message string) error {
	b, err := m.store.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.store.TransitionBuild(ctx, id, domain.BuildBuilding, domain.BuildFailed, store.TransitionEffects{
		CompletedAt:    &now,
		FailureMessage: &message,
		RevokeTokens:   true,
	}); err != nil {
		return err
	}
	recordTerminal(b.Platform, domain.BuildFailed, b.SubmittedAt, now)
	return m.registry.RecordOutcome(ctx, workerID, false)
}

// Cancel transitions any non-terminal build to Cancelled, revoking its
// guest token. Unlike Complete/Fail, Cancel has no worker-outcome
// side-effect: the build may never have been assigned.
func (m *Machine) Cancel(ctx context.Context, id string) error {
	b, err := m.store.GetBuild(ctx, id)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return apierr.IllegalTransition("build is already in a terminal state")
	}
	now := time.Now().UTC()
	if err := m.store.TransitionBuild(ctx, id, b.Status, domain.BuildCancelled, store.TransitionEffects{
		CompletedAt:  &now,
		RevokeTokens: true,
	}); err != nil {
		return err
	}
	recordTerminal(b.Platform, domain.BuildCancelled, b.SubmittedAt, now)
	return nil
}

// recordTerminal increments the terminal-status counter and observes the
// submission-to-terminal duration histogram.
func recordTerminal(platform domain.Platform, status domain.BuildStatus, submittedAt, completedAt time.Time) {
	metrics.BuildsTerminalTotal.WithLabelValues(string(platform), string(status)).Inc()
	metrics.BuildDuration.WithLabelValues(string(platform), string(status)).Observe(completedAt.Sub(submittedAt).Seconds())
}

// Reassign transitions a build that lost its worker (staleness sweep) back
// to Pending so the queue can hand it to a different worker. Spec §4.4: a
// build assigned to a worker that stops heartbeating is returned to the
// pool rather than left stuck in Assigned/Building forever.
func (m *Machine) Reassign(ctx context.Context, id string, from domain.BuildStatus) error {
	return m.store.TransitionBuild(ctx, id, from, domain.BuildPending, store.TransitionEffects{
		ClearWorker: true,
	})
}

// Get fetches a build by id.
func (m *Machine) Get(ctx context.Context, id string) (*domain.Build, error) {
	return m.store.GetBuild(ctx, id)
}

// List returns builds, optionally filtered by status.
func (m *Machine) List(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error) {
	return m.store.ListBuilds(ctx, status, limit)
}

// AppendLog appends a log line, used by the worker during Building.
func (m *Machine) AppendLog(ctx context.Context, buildID string, severity domain.LogSeverity, message string) error {
	return m.store.AppendLog(ctx, &domain.BuildLogEntry{
		BuildID:    buildID,
		Severity:   severity,
		Message:    message,
		InsertedAt: time.Now().UTC(),
	})
}

// Logs returns a page of log entries for a build.
func (m *Machine) Logs(ctx context.Context, buildID string, after int64, limit int) ([]*domain.BuildLogEntry, error) {
	return m.store.ListLogs(ctx, buildID, after, limit)
}
