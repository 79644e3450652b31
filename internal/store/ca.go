package store

import (
	"context"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
)

// GetCA fetches the persisted controller CA certificate and key, PEM-encoded.
func (s *Store) GetCA(ctx context.Context) (certPEM, keyPEM []byte, err error) {
	row := s.Pool.QueryRow(ctx, `SELECT cert_pem, key_pem FROM controller_ca WHERE id = 1`)
	if err := row.Scan(&certPEM, &keyPEM); err != nil {
		if isNoRows(err) {
			return nil, nil, apierr.NotFound("controller CA not yet provisioned")
		}
		return nil, nil, apierr.StoreUnavailable(err)
	}
	return certPEM, keyPEM, nil
}

// StoreCA persists the controller CA, replacing any previous one.
func (s *Store) StoreCA(ctx context.Context, certPEM, keyPEM []byte, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO controller_ca (id, cert_pem, key_pem, created_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET cert_pem = $1, key_pem = $2, created_at = $3`,
		certPEM, keyPEM, now)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	return nil
}
