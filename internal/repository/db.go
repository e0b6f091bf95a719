// Package repository manages the PostgreSQL connection pool, schema migrations,
// and the durable state of the bridge: replay/idempotency/JTI caches, day proofs,
// federated-entity records, and the outbound/export delivery ledgers. It uses
// pgx for direct PostgreSQL access without an ORM, and golang-migrate for schema
// migrations.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// The bridge's database traffic is many short statements — single-row cache
// upserts from the envelope pipeline and small checkout batches from the two
// delivery workers — with no long-lived transactions. Connections are kept
// warm for the worker tick cadence and recycled aggressively enough that a
// failover never strands the pool on dead backends.
const (
	connectTimeout     = 5 * time.Second
	connMaxLifetime    = time.Hour
	connMaxIdleTime    = 10 * time.Minute
	poolProbeInterval  = time.Minute
	healthCheckTimeout = 2 * time.Second
)

// DB wraps a pgx connection pool and provides health checks and graceful shutdown.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New opens a connection pool sized for the bridge workload and verifies
// connectivity before returning. The pipeline and both workers share this
// pool; MinConns keeps three connections open (pipeline plus two workers),
// but they are not reserved for any particular caller.
func New(ctx context.Context, databaseURL string, maxConns int, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if maxConns < 4 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 3 // pipeline + outbound worker + export worker
	cfg.MaxConnLifetime = connMaxLifetime
	cfg.MaxConnIdleTime = connMaxIdleTime
	cfg.HealthCheckPeriod = poolProbeInterval
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	cfg.ConnConfig.RuntimeParams["application_name"] = "chorus-bridge"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("verifying database connectivity: %w", err)
	}

	logger.Info("database pool ready",
		slog.String("host", cfg.ConnConfig.Host),
		slog.String("database", cfg.ConnConfig.Database),
		slog.Int("max_conns", maxConns),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// HealthCheck reports whether the database currently answers, bounded by its
// own short deadline so a hung backend cannot stall the readiness probe.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close gracefully shuts down the connection pool.
func (db *DB) Close() {
	db.logger.Info("closing database pool")
	db.Pool.Close()
}

// withMigrator runs fn against a migrator built from the embedded SQL files,
// always closing both the source and the database handle. The first error
// wins: fn's, then the source close, then the database close.
func withMigrator(databaseURL string, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("building migrator: %w", err)
	}

	fnErr := fn(m)
	srcErr, dbErr := m.Close()

	switch {
	case fnErr != nil:
		return fnErr
	case srcErr != nil:
		return fmt.Errorf("closing migration source: %w", srcErr)
	case dbErr != nil:
		return fmt.Errorf("closing migration database handle: %w", dbErr)
	}
	return nil
}

// schemaVersion reads the current version off an open migrator, mapping
// "no migrations applied yet" to version 0.
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// MigrateUp applies all pending schema migrations, logging the version range
// it moved through.
func MigrateUp(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		before, _, err := schemaVersion(m)
		if err != nil {
			return err
		}

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("applying migrations: %w", err)
		}

		after, dirty, err := schemaVersion(m)
		if err != nil {
			return err
		}
		if after == before {
			logger.Info("schema already current", slog.Uint64("version", uint64(after)))
		} else {
			logger.Info("schema migrated",
				slog.Uint64("from", uint64(before)),
				slog.Uint64("to", uint64(after)),
				slog.Bool("dirty", dirty),
			)
		}
		return nil
	})
}

// MigrateDown rolls every migration back, dropping all bridge tables —
// including the delivery ledgers, which are the bridge's only record of
// undelivered federation traffic.
func MigrateDown(databaseURL string, logger *slog.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		logger.Warn("rolling back all migrations: ledgers and caches will be dropped")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("rolling back migrations: %w", err)
		}
		logger.Info("schema rolled back")
		return nil
	})
}

// MigrateStatus returns the current schema version and dirty flag.
func MigrateStatus(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		version, dirty, err = schemaVersion(m)
		return err
	})
	return version, dirty, err
}
