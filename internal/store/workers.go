package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
)

const workerColumns = `id, name, capabilities, status, session_token, session_expiry, last_seen,
	completed_builds, failed_builds, created_at, shutdown_at`

func scanWorker(row pgx.Row) (*domain.Worker, error) {
	var w domain.Worker
	var status string
	var capsJSON []byte
	err := row.Scan(&w.ID, &w.Name, &capsJSON, &status, &w.SessionToken, &w.SessionExpiry,
		&w.LastSeen, &w.CompletedBuilds, &w.FailedBuilds, &w.CreatedAt, &w.ShutdownAt)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.NotFound("worker not found")
		}
		return nil, apierr.StoreUnavailable(err)
	}
	w.Status = domain.WorkerStatus(status)
	if err := json.Unmarshal(capsJSON, &w.Capabilities); err != nil {
		return nil, apierr.Internal(err)
	}
	return &w, nil
}

// RegisterWorker inserts a new worker record in Idle status.
func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return apierr.Internal(err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO workers (id, name, capabilities, status, session_token, session_expiry, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Name, capsJSON, string(w.Status), w.SessionToken, w.SessionExpiry, w.LastSeen, w.CreatedAt)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	return scanWorker(row)
}

// GetWorkerBySessionToken looks a worker up by its current session token.
func (s *Store) GetWorkerBySessionToken(ctx context.Context, token string) (*domain.Worker, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE session_token = $1`, token)
	return scanWorker(row)
}

// ListWorkers returns every registered worker.
func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return out, nil
}

// ListStaleWorkers returns workers last seen before the given cutoff and
// not already Offline — candidates for the staleness sweep (spec §4.4).
func (s *Store) ListStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE last_seen < $1 AND status != $2`, cutoff, string(domain.WorkerOffline))
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	return out, nil
}

// RotateSessionToken replaces a worker's session token and bumps last_seen,
// invalidating the previous token value at the instant this commits (spec
// §4.3: "the session token rotates on every poll; the old value is invalid
// immediately on commit").
func (s *Store) RotateSessionToken(ctx context.Context, workerID, oldToken, newToken string, expiry, now time.Time, status domain.WorkerStatus) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE workers SET session_token = $1, session_expiry = $2, last_seen = $3, status = $4
		WHERE id = $5 AND session_token = $6`,
		newToken, expiry, now, string(status), workerID, oldToken)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.KindConcurrency, "StaleSessionToken", "session token was already rotated")
	}
	return nil
}

// SetSessionToken assigns a worker's session token unconditionally (no
// old-token match), unlike RotateSessionToken's compare-and-swap.
func (s *Store) SetSessionToken(ctx context.Context, workerID, token string, expiry, now time.Time, status domain.WorkerStatus) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE workers SET session_token = $1, session_expiry = $2, last_seen = $3, status = $4
		WHERE id = $5`,
		token, expiry, now, string(status), workerID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("worker not found")
	}
	return nil
}

// SetWorkerStatus updates a worker's status in place, without touching its
// session token or last-seen timestamp.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	_, err := s.Pool.Exec(ctx, `UPDATE workers SET status = $1 WHERE id = $2`, string(status), workerID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// MarkOffline transitions a worker to Offline, stamping shutdown_at.
func (s *Store) MarkOffline(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE workers SET status = $1, shutdown_at = $2 WHERE id = $3`,
		string(domain.WorkerOffline), now, workerID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// RecordBuildOutcome increments the worker's completed or failed counters.
func (s *Store) RecordBuildOutcome(ctx context.Context, workerID string, succeeded bool) error {
	col := "failed_builds"
	if succeeded {
		col = "completed_builds"
	}
	_, err := s.Pool.Exec(ctx, `UPDATE workers SET `+col+` = `+col+` + 1 WHERE id = $1`, workerID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}
