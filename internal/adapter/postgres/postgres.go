// Package postgres stores messages the relay discarded, for later inspection.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
)

const (
	applicationName = "notifyrelay"
	versionTable    = "public.notifyrelay_schema_version"

	// migrateLockKey serialises migrations across relay instances ("notify").
	migrateLockKey    int64 = 0x6e6f74696679
	unlockTimeout           = 5 * time.Second
	maxConnsPerRelay  int32 = 4
	connectRetryDelay       = 500 * time.Millisecond
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Connect opens a small pool tagged with the relay's application name. A
// non-nil m instruments every statement.
func Connect(ctx context.Context, databaseURL string, m *metrics.DatabaseMetrics) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	if cfg.MaxConns > maxConnsPerRelay {
		cfg.MaxConns = maxConnsPerRelay
	}
	if m != nil {
		cfg.ConnConfig.Tracer = NewQueryTracer(m, clockwork.NewRealClock())
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pingUntil(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("Dead-letter database connected",
		"host", cfg.ConnConfig.Host,
		"database", cfg.ConnConfig.Database,
		"tls", cfg.ConnConfig.TLSConfig != nil,
		"max_conns", cfg.MaxConns)
	return pool, nil
}

// pingUntil retries the first ping until ctx expires; the database often
// starts alongside the relay.
func pingUntil(ctx context.Context, pool *pgxpool.Pool) error {
	for {
		err := pool.Ping(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping database: %w", errors.Join(err, ctx.Err()))
		case <-time.After(connectRetryDelay):
		}
	}
}

// Migrate applies the embedded migrations. Concurrent relays wait on an
// advisory lock so only one of them migrates at a time.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		return withAdvisoryLock(ctx, conn.Conn(), migrateLockKey, func() error {
			return migrateConn(ctx, conn.Conn())
		})
	})
}

func migrateConn(ctx context.Context, conn *pgx.Conn) error {
	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, versionTable)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(files); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	from, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate from version %d: %w", from, err)
	}

	to, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if to != from {
		slog.Info("Dead-letter schema migrated", "from", from, "to", to)
	}
	return nil
}

// withAdvisoryLock runs fn while holding a session-level advisory lock on
// conn. The unlock survives ctx cancellation.
func withAdvisoryLock(ctx context.Context, conn *pgx.Conn, key int64, fn func() error) error {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock %d: %w", key, err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("Failed to release advisory lock", "key", key, "error", err)
		}
	}()
	return fn()
}
