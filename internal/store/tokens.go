package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
)

// InsertToken persists a newly-minted token.
func (s *Store) InsertToken(ctx context.Context, t *domain.Token) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO tokens (secret, class, build_id, worker_id, expires_at, consumed, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.Secret, string(t.Class), t.BuildID, t.WorkerID, t.ExpiresAt, t.Consumed, t.IssuedAt)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	var class string
	err := row.Scan(&t.Secret, &class, &t.BuildID, &t.WorkerID, &t.ExpiresAt, &t.Consumed, &t.IssuedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, apierr.Unauthenticated("token not found")
		}
		return nil, apierr.StoreUnavailable(err)
	}
	t.Class = domain.TokenClass(class)
	return &t, nil
}

// GetToken looks a token up by its secret value.
func (s *Store) GetToken(ctx context.Context, secret string) (*domain.Token, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT secret, class, build_id, worker_id, expires_at, consumed, issued_at
		FROM tokens WHERE secret = $1`, secret)
	return scanToken(row)
}

// ConsumeToken atomically marks a single-use token consumed, failing if it
// was already consumed. Bootstrap OTP redemption does not use it: it goes
// through ExchangeBootstrapForGuest, which consumes the OTP and mints the
// guest token in one transaction.
func (s *Store) ConsumeToken(ctx context.Context, secret string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE tokens SET consumed = TRUE WHERE secret = $1 AND consumed = FALSE`, secret)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.TokenConsumed("token already consumed")
	}
	return nil
}

// ExchangeBootstrapForGuest atomically consumes a Bootstrap OTP scoped to
// buildID and inserts guest as a fresh Guest token in the same transaction,
// so two concurrent handshake attempts presenting the same OTP can never
// both succeed (spec §9 "Single-use OTP semantics").
func (s *Store) ExchangeBootstrapForGuest(ctx context.Context, otpSecret, buildID string, guest *domain.Token) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE tokens SET consumed = TRUE
		WHERE secret = $1 AND class = $2 AND build_id = $3 AND consumed = FALSE`,
		otpSecret, string(domain.TokenBootstrap), buildID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.Forbidden("bootstrap OTP already consumed or not scoped to this build")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (secret, class, build_id, worker_id, expires_at, consumed, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		guest.Secret, string(guest.Class), guest.BuildID, guest.WorkerID, guest.ExpiresAt, guest.Consumed, guest.IssuedAt)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}

// DeleteExpiredTokens purges tokens past their expiry, run periodically by
// the sweep alongside worker staleness detection.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, apierr.StoreUnavailable(err)
	}
	return tag.RowsAffected(), nil
}
