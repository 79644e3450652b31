// Package store is the controller's persistent store (spec §4.1 C1 and the
// artifact path bookkeeping half of C2). It layers three libraries over one
// Postgres database: pgxpool for every query, including the assignment path
// that needs SELECT ... FOR UPDATE SKIP LOCKED inside explicit transactions;
// an sqlx handle over the pgx stdlib driver, used only to hand goose its
// *sql.DB; and goose for schema migrations (goose operates on *sql.DB, not a
// pgx pool).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/smrt-devops/buildctl/internal/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the handle the rest of the controller uses to reach Postgres.
type Store struct {
	Pool *pgxpool.Pool
	DB   *sqlx.DB
	log  utils.Logger
}

// Open connects to Postgres, returning a Store ready for Migrate.
func Open(ctx context.Context, dsn string, log utils.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging pgx pool: %w", err)
	}

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting sqlx: %w", err)
	}

	return &Store{Pool: pool, DB: db, log: log.WithName("store")}, nil
}

// Migrate applies all pending goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	s.log.Info("migrations applied")
	return nil
}

// Close releases the pool and the database/sql handle.
func (s *Store) Close() {
	s.Pool.Close()
	_ = s.DB.Close()
}

// isNoRows reports whether err is the "no rows" sentinel from either
// database/sql or pgx, which surface it differently depending on path.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
