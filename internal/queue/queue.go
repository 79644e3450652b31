// Package queue is the Job Queue & Assignment Engine of spec.md §4.1/§5:
// atomic claim-one-build-per-poll over the relational store. The
// assignment query itself lives in internal/store (SELECT ... FOR UPDATE
// SKIP LOCKED, so concurrent worker polls never double-claim a row);
// this package adds the bounded optimistic-retry wrapper spec.md §9
// calls for when a claim races a concurrent transition on the same row.
package queue

import (
	"context"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Store is the subset of *store.Store the queue depends on.
type Store interface {
	TryAssignOne(ctx context.Context, workerID string, platform domain.Platform) (*domain.Build, error)
	ListBuilds(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error)
}

// Authority is the subset of *authority.Authority the queue depends on, used
// to mint the bootstrap credential a freshly assigned job carries (spec
// §4.1: "mint a new OTP scoped to this build" as part of assignment).
type Authority interface {
	IssueBootstrapOTP(ctx context.Context, buildID, workerID string) (*domain.Token, error)
}

const (
	maxAssignRetries = 3
	assignRetryDelay = 20 * time.Millisecond
)

// Queue assigns pending builds to polling workers.
type Queue struct {
	store     Store
	authority Authority
	log       utils.Logger
}

// New constructs a Queue.
func New(st Store, auth Authority, log utils.Logger) *Queue {
	return &Queue{store: st, authority: auth, log: log.WithName("queue")}
}

// Assignment is a claimed build plus the bootstrap credential the worker
// hands to its in-guest build environment.
type Assignment struct {
	Build        *domain.Build
	BootstrapOTP *domain.Token
}

// rebuildScanLimit bounds how many builds one RebuildFromStore sanity check
// inspects.
const rebuildScanLimit = 10000

// RebuildFromStore is the startup hook spec.md §4.1 names for the queue: a
// well-defined place to run sanity checks against the relational store
// before the gateway starts accepting traffic. The queue carries no
// in-memory state of its own to rebuild — every pending build already lives
// in the store — so today this only logs what it finds at startup.
func (q *Queue) RebuildFromStore(ctx context.Context) error {
	pending, err := q.store.ListBuilds(ctx, buildStatusPtr(domain.BuildPending), rebuildScanLimit)
	if err != nil {
		return err
	}
	q.log.Info("queue rebuilt from store", "pendingBuilds", len(pending))
	return nil
}

func buildStatusPtr(s domain.BuildStatus) *domain.BuildStatus { return &s }

// Assign claims the oldest Pending build matching platform for workerID, or
// returns (nil, nil) when no work is available. A concurrency race against
// another transition on the claimed row (e.g. a submitter cancelling the
// build between the SELECT and the UPDATE) is retried a bounded number of
// times via utils.RetryWithBackoff before giving up. On a successful claim,
// mints the bootstrap OTP the job needs for its in-guest handshake.
func (q *Queue) Assign(ctx context.Context, workerID string, platform domain.Platform) (*Assignment, error) {
	var build *domain.Build
	err := utils.RetryWithBackoff(maxAssignRetries, assignRetryDelay, func() error {
		b, err := q.store.TryAssignOne(ctx, workerID, platform)
		if err != nil {
			return err
		}
		build = b
		return nil
	})
	if err != nil {
		if apierr.KindOf(err) == apierr.KindConcurrency {
			q.log.Info("assignment race exhausted retries", "workerId", workerID, "platform", platform)
			return nil, nil
		}
		return nil, err
	}
	if build == nil {
		return nil, nil
	}

	otp, err := q.authority.IssueBootstrapOTP(ctx, build.ID, workerID)
	if err != nil {
		return nil, err
	}
	return &Assignment{Build: build, BootstrapOTP: otp}, nil
}
