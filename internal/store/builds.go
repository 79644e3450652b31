package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
)

// InsertBuild persists a newly-submitted build in Pending status.
func (s *Store) InsertBuild(ctx context.Context, b *domain.Build) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO builds (id, platform, status, submitted_at, source_path, credential_path, retry_of_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		b.ID, string(b.Platform), string(b.Status), b.SubmittedAt, b.SourcePath, b.CredentialPath, b.RetryOfID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var b domain.Build
	var platform, status string
	err := row.Scan(&b.ID, &platform, &status, &b.WorkerID, &b.SubmittedAt, &b.AssignedAt,
		&b.StartedAt, &b.CompletedAt, &b.SourcePath, &b.CredentialPath, &b.ResultPath,
		&b.ResultSignature, &b.FailureMessage, &b.RetryOfID)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("build not found")
		}
		return nil, apierr.StoreUnavailable(err)
	}
	b.Platform = domain.Platform(platform)
	b.Status = domain.BuildStatus(status)
	return &b, nil
}

const buildColumns = `id, platform, status, worker_id, submitted_at, assigned_at, started_at,
	completed_at, source_path, credential_path, result_path, result_signature, failure_message, retry_of_id`

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*domain.Build, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	return scanBuild(row)
}

// ListBuilds returns builds ordered by submission time, most recent first,
// optionally filtered by status.
func (s *Store) ListBuilds(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error) {
	var rows pgx.Rows
	var err error
	if status != nil {
		rows, err = s.Pool.Query(ctx, `SELECT `+buildColumns+` FROM builds WHERE status = $1 ORDER BY submitted_at DESC LIMIT $2`, string(*status), limit)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT `+buildColumns+` FROM builds ORDER BY submitted_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []*domain.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return out, nil
}

// TryAssignOne atomically claims the oldest Pending build matching platform
// for workerID, moving it to Assigned. It uses SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent pollers from distinct workers never race each
// other onto the same row, and returns (nil, nil) when no work is available.
func (s *Store) TryAssignOne(ctx context.Context, workerID string, platform domain.Platform) (*domain.Build, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status = $1 AND platform = $2
		ORDER BY submitted_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, string(domain.BuildPending), string(platform))

	b, err := scanBuild(row)
	if err != nil {
		if e, ok := apierr.As(err); ok && e.Code == "NotFound" {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE builds SET status = $1, worker_id = $2, assigned_at = $3, version = version + 1
		WHERE id = $4 AND status = $5`,
		string(domain.BuildAssigned), workerID, now, b.ID, string(domain.BuildPending))
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with a concurrent transition between the SELECT and the
		// UPDATE (e.g. a cancel); bounded retry lives in the queue layer.
		return nil, apierr.New(apierr.KindConcurrency, "AssignRace", "build changed state during assignment")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}

	b.Status = domain.BuildAssigned
	b.WorkerID = &workerID
	b.AssignedAt = &now
	return b, nil
}

// TransitionEffects are the column updates and side-effects a particular
// build-state transition carries, applied atomically with the status CAS.
type TransitionEffects struct {
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ResultPath      *string
	ResultSignature *string
	FailureMessage  *string
	ClearWorker     bool // clear worker_id/assigned_at/started_at (staleness reassignment back to Pending)
	RevokeTokens    bool // delete this build's guest tokens (terminal transitions)
}

// TransitionBuild performs a guarded status transition, verifying the
// current status with a compare-and-swap WHERE clause, and applies effects
// in the same transaction.
func (s *Store) TransitionBuild(ctx context.Context, id string, from, to domain.BuildStatus, effects TransitionEffects) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE builds SET status = $1, version = version + 1 WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.IllegalTransition(fmt.Sprintf("build %s is not in status %s", id, from))
	}

	if effects.StartedAt != nil {
		if _, err := tx.Exec(ctx, `UPDATE builds SET started_at = $1 WHERE id = $2`, *effects.StartedAt, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.CompletedAt != nil {
		if _, err := tx.Exec(ctx, `UPDATE builds SET completed_at = $1 WHERE id = $2`, *effects.CompletedAt, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.ResultPath != nil {
		if _, err := tx.Exec(ctx, `UPDATE builds SET result_path = $1 WHERE id = $2`, *effects.ResultPath, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.ResultSignature != nil {
		if _, err := tx.Exec(ctx, `UPDATE builds SET result_signature = $1 WHERE id = $2`, *effects.ResultSignature, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.FailureMessage != nil {
		if _, err := tx.Exec(ctx, `UPDATE builds SET failure_message = $1 WHERE id = $2`, *effects.FailureMessage, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.ClearWorker {
		if _, err := tx.Exec(ctx, `UPDATE builds SET worker_id = NULL, assigned_at = NULL, started_at = NULL WHERE id = $1`, id); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}
	if effects.RevokeTokens {
		if _, err := tx.Exec(ctx, `DELETE FROM tokens WHERE build_id = $1 AND class = $2`, id, string(domain.TokenGuest)); err != nil {
			return apierr.StoreUnavailable(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// ReassignWorkerBuilds atomically moves every Assigned/Building build owned
// by workerID back to Pending, clearing its worker assignment. Used both by
// the staleness sweep (an evicted worker's orphaned builds) and by a
// worker's own graceful shutdown (Registry.Unregister).
func (s *Store) ReassignWorkerBuilds(ctx context.Context, workerID string) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE builds SET status = $1, worker_id = NULL, assigned_at = NULL, started_at = NULL, version = version + 1
		WHERE worker_id = $2 AND status IN ($3, $4)`,
		string(domain.BuildPending), workerID, string(domain.BuildAssigned), string(domain.BuildBuilding))
	if err != nil {
		return 0, apierr.StoreUnavailable(err)
	}
	return int(tag.RowsAffected()), nil
}

// AppendLog appends one log line to a build's append-only log.
func (s *Store) AppendLog(ctx context.Context, entry *domain.BuildLogEntry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO build_logs (build_id, severity, message, inserted_at)
		VALUES ($1, $2, $3, $4)`,
		entry.BuildID, string(entry.Severity), entry.Message, entry.InsertedAt)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// ListLogs returns up to limit log entries for buildID with seq > after,
// in ascending order, per the GET /builds/{id}/logs?limit=N&after=seq contract.
func (s *Store) ListLogs(ctx context.Context, buildID string, after int64, limit int) ([]*domain.BuildLogEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT seq, build_id, severity, message, inserted_at FROM build_logs
		WHERE build_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, buildID, after, limit)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []*domain.BuildLogEntry
	for rows.Next() {
		var e domain.BuildLogEntry
		var severity string
		if err := rows.Scan(&e.Seq, &e.BuildID, &severity, &e.Message, &e.InsertedAt); err != nil {
			return nil, apierr.StoreUnavailable(err)
		}
		e.Severity = domain.LogSeverity(severity)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return out, nil
}
