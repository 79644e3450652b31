// Package registry is the Worker Registry of spec.md §4.4: worker
// registration, heartbeat/session rotation, and staleness detection. Its
// categorize-then-act shape (walk every worker, bucket by liveness, act per
// bucket) follows a reconcile-loop pattern, adapted here from a periodic
// cluster reconciler to a plain method called by the sweep.
package registry

import (
	"context"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Authority is the subset of *authority.Authority the registry depends on.
type Authority interface {
	NewSessionSecret() (secret string, expiresAt time.Time, err error)
}

// Store is the subset of *store.Store the registry depends on.
type Store interface {
	RegisterWorker(ctx context.Context, w *domain.Worker) error
	GetWorker(ctx context.Context, id string) (*domain.Worker, error)
	GetWorkerBySessionToken(ctx context.Context, token string) (*domain.Worker, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error)
	RotateSessionToken(ctx context.Context, workerID, oldToken, newToken string, expiry, now time.Time, status domain.WorkerStatus) error
	SetSessionToken(ctx context.Context, workerID, token string, expiry, now time.Time, status domain.WorkerStatus) error
	SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error
	MarkOffline(ctx context.Context, workerID string, now time.Time) error
	RecordBuildOutcome(ctx context.Context, workerID string, succeeded bool) error
	ReassignWorkerBuilds(ctx context.Context, workerID string) (int, error)
}

// Registry implements worker lifecycle management.
type Registry struct {
	store     Store
	authority Authority
	staleness time.Duration
	log       utils.Logger
}

// New constructs a Registry.
func New(st Store, auth Authority, staleness time.Duration, log utils.Logger) *Registry {
	return &Registry{store: st, authority: auth, staleness: staleness, log: log.WithName("registry")}
}

// Register enrolls a new worker in Idle status with an initial session
// token, minted directly (no Bootstrap OTP exchange on first contact).
func (r *Registry) Register(ctx context.Context, id, name string, caps domain.Capabilities) (*domain.Worker, error) {
	secret, expiry, err := r.authority.NewSessionSecret()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	w := &domain.Worker{
		ID:            id,
		Name:          name,
		Capabilities:  caps,
		Status:        domain.WorkerIdle,
		SessionToken:  secret,
		SessionExpiry: expiry,
		LastSeen:      now,
		CreatedAt:     now,
	}
	if err := r.store.RegisterWorker(ctx, w); err != nil {
		return nil, err
	}
	r.log.Info("worker registered", "workerId", id, "name", name)
	return w, nil
}

// Heartbeat authenticates a worker by its current session token, rotates it
// to a new value, and bumps last_seen — the poll operation of spec §4.3/§4.4.
// Returns the worker record and the new session token to hand back.
func (r *Registry) Heartbeat(ctx context.Context, oldToken string, status domain.WorkerStatus) (*domain.Worker, string, error) {
	w, err := r.store.GetWorkerBySessionToken(ctx, oldToken)
	if err != nil {
		return nil, "", apierr.Unauthenticated("unrecognized session token")
	}
	now := time.Now().UTC()
	if !w.Alive(now) {
		return nil, "", apierr.TokenExpired("session token expired")
	}

	newToken, expiry, err := r.authority.NewSessionSecret()
	if err != nil {
		return nil, "", err
	}
	if err := r.store.RotateSessionToken(ctx, w.ID, oldToken, newToken, expiry, now, status); err != nil {
		return nil, "", err
	}
	w.SessionToken = newToken
	w.SessionExpiry = expiry
	w.LastSeen = now
	w.Status = status
	return w, newToken, nil
}

// SetBuilding marks a worker Building without touching its session token,
// called by the poll handler immediately after a successful assignment
// (spec §4.1 "update the worker to Building" as part of TryAssignOne).
func (r *Registry) SetBuilding(ctx context.Context, workerID string) error {
	return r.store.SetWorkerStatus(ctx, workerID, domain.WorkerBuilding)
}

// MarkOffline transitions a worker to Offline (graceful shutdown or sweep
// eviction).
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	if err := r.store.MarkOffline(ctx, workerID, time.Now().UTC()); err != nil {
		return err
	}
	r.log.Info("worker marked offline", "workerId", workerID)
	return nil
}

// ResolveSession looks a worker up by its current session token without
// rotating the token or changing its status, for callers that need to
// authenticate a worker but aren't continuing its poll cycle.
func (r *Registry) ResolveSession(ctx context.Context, token string) (*domain.Worker, error) {
	w, err := r.store.GetWorkerBySessionToken(ctx, token)
	if err != nil {
		return nil, apierr.Unauthenticated("unrecognized session token")
	}
	if !w.Alive(time.Now().UTC()) {
		return nil, apierr.TokenExpired("session token expired")
	}
	return w, nil
}

// Unregister performs a worker's graceful shutdown (spec.md §4.4): atomically
// reassigns its in-flight builds back to Pending and marks it Offline with a
// shutdown timestamp, the same end state SweepStale's eviction path reaches
// but triggered by the worker itself rather than by staleness.
func (r *Registry) Unregister(ctx context.Context, workerID string) error {
	n, err := r.store.ReassignWorkerBuilds(ctx, workerID)
	if err != nil {
		return err
	}
	if err := r.store.MarkOffline(ctx, workerID, time.Now().UTC()); err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("reassigned in-flight builds on worker shutdown", "workerId", workerID, "count", n)
	}
	r.log.Info("worker unregistered", "workerId", workerID)
	return nil
}

// RecordOutcome updates a worker's completed/failed build counters.
func (r *Registry) RecordOutcome(ctx context.Context, workerID string, succeeded bool) error {
	return r.store.RecordBuildOutcome(ctx, workerID, succeeded)
}

// Get fetches a worker by id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Worker, error) {
	return r.store.GetWorker(ctx, id)
}

// List returns every registered worker, refreshing the per-status worker
// gauge as a side effect since this is the one place that sees the whole
// population at once.
func (r *Registry) List(ctx context.Context) ([]*domain.Worker, error) {
	workers, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[domain.WorkerStatus]int{}
	for _, w := range workers {
		counts[w.Status]++
	}
	for _, status := range []domain.WorkerStatus{domain.WorkerIdle, domain.WorkerBuilding, domain.WorkerOffline} {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return workers, nil
}

// SweepStale walks every worker last seen before the staleness threshold and
// marks it Offline, against one relational query instead of a cluster list.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.staleness)
	stale, err := r.store.ListStaleWorkers(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, w := range stale {
		if err := r.MarkOffline(ctx, w.ID); err != nil {
			r.log.Error(err, "failed to mark worker offline", "workerId", w.ID)
			continue
		}
		metrics.WorkersSweptTotal.WithLabelValues().Inc()
	}
	return len(stale), nil
}
