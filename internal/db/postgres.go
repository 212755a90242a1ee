package db

import (
	"context"
	"time"

	"geotrack/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

const connectTimeout = 5 * time.Second

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func ConnectPostgres(ctx context.Context, cfg config.Server) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, xerrors.Errorf("open postgres pool: %w", err)
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, xerrors.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the backend tables. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS geofences (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tag         TEXT NOT NULL DEFAULT '',
	external_id TEXT NOT NULL DEFAULT '',
	geometry    JSONB NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS track_batches (
	id          UUID PRIMARY KEY,
	project_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS track_events (
	id          TEXT PRIMARY KEY,
	batch_id    UUID NOT NULL,
	project_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	geofence_id TEXT NOT NULL DEFAULT '',
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	accuracy    DOUBLE PRECISION NOT NULL,
	sequence    BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS track_users (
	project_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	description TEXT,
	latitude    DOUBLE PRECISION NOT NULL,
	longitude   DOUBLE PRECISION NOT NULL,
	accuracy    DOUBLE PRECISION NOT NULL,
	located_at  TIMESTAMPTZ NOT NULL,
	geofences   TEXT[] NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, user_id)
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, Schema); err != nil {
		return xerrors.Errorf("apply schema: %w", err)
	}
	return nil
}
