// Package sweep runs the two periodic maintenance passes spec.md §4.4/§4.6
// call for: evicting workers that stopped heartbeating (reassigning their
// in-flight builds back to Pending) and purging expired tokens. It is
// scheduled by cmd/controller either on a plain ticker or, if configured,
// via robfig/cron for a cron-expression cadence, following the same
// periodic-reconcile-loop shape a worker pool manager would use.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Registry is the subset of *registry.Registry the sweep depends on.
type Registry interface {
	SweepStale(ctx context.Context) (int, error)
	List(ctx context.Context) ([]*domain.Worker, error)
}

// Authority is the subset of *authority.Authority the sweep depends on.
type Authority interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// orphanScanLimit bounds how many in-flight builds one sweep pass inspects
// for reassignment; a deployment with more builds in flight than this at
// once needs a dedicated index-driven query, not a bigger constant.
const orphanScanLimit = 10000

// BuildState is the subset of *buildstate.Machine the sweep depends on, used
// to reassign builds orphaned by a worker that just went stale.
type BuildState interface {
	List(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error)
	Reassign(ctx context.Context, id string, from domain.BuildStatus) error
}

// Sweeper composes staleness eviction, build reassignment, and expired-token
// cleanup into one periodic pass.
type Sweeper struct {
	registry Registry
	builds   BuildState
	auth     Authority
	log      utils.Logger
}

// New constructs a Sweeper.
func New(reg Registry, builds BuildState, auth Authority, log utils.Logger) *Sweeper {
	return &Sweeper{registry: reg, builds: builds, auth: auth, log: log.WithName("sweep")}
}

// RunOnce performs one full maintenance pass: mark stale workers offline,
// reassign any build left Assigned/Building against a now-offline worker
// back to Pending, then purge expired tokens.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}()

	evicted, err := s.registry.SweepStale(ctx)
	if err != nil {
		return err
	}
	if evicted > 0 {
		s.log.Info("evicted stale workers", "count", evicted)
		if err := s.reassignOrphanedBuilds(ctx); err != nil {
			return err
		}
	}

	purged, err := s.auth.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		metrics.TokensExpiredTotal.WithLabelValues("all").Add(float64(purged))
		s.log.Info("purged expired tokens", "count", purged)
	}
	return nil
}

// reassignOrphanedBuilds walks every worker and reassigns any build still
// sitting in Assigned or Building against a worker that is Offline,
// including any the eviction pass just took offline.
func (s *Sweeper) reassignOrphanedBuilds(ctx context.Context) error {
	workers, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	offline := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.Status == domain.WorkerOffline {
			offline[w.ID] = true
		}
	}
	if len(offline) == 0 {
		return nil
	}

	for _, status := range []domain.BuildStatus{domain.BuildAssigned, domain.BuildBuilding} {
		st := status
		builds, err := s.builds.List(ctx, &st, orphanScanLimit)
		if err != nil {
			return err
		}
		for _, b := range builds {
			if b.WorkerID == nil || !offline[*b.WorkerID] {
				continue
			}
			if err := s.builds.Reassign(ctx, b.ID, st); err != nil {
				s.log.Error(err, "failed to reassign orphaned build", "buildId", b.ID)
				continue
			}
			s.log.Info("reassigned orphaned build to Pending", "buildId", b.ID, "workerId", *b.WorkerID)
		}
	}
	return nil
}

// Schedule runs RunOnce on a fixed interval until ctx is cancelled, used
// when no cron expression is configured.
func (s *Sweeper) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error(err, "sweep pass failed")
			}
		}
	}
}

// ScheduleCron runs RunOnce on the cadence described by expr (standard
// five-field cron syntax), for deployments that want maintenance pinned to
// off-peak windows rather than a fixed interval.
func (s *Sweeper) ScheduleCron(ctx context.Context, expr string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Error(err, "sweep pass failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
