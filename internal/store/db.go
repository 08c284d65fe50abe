package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/approvalhub/internal/config"
)

const applicationName = "approvalhub"

// Connect opens the portal's own database pool. The first ping is retried
// with exponential backoff for up to cfg.ConnectTimeout, so the server can
// start alongside its database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pingWithRetry(ctx, pool, cfg.ConnectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func pingWithRetry(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = timeout

	var b backoff.BackOff = eb
	if timeout <= 0 {
		b = &backoff.StopBackOff{}
	}

	return backoff.RetryNotify(
		func() error { return pool.Ping(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			slog.WarnContext(ctx, "database not ready, retrying", "error", err, "retry_in", wait)
		},
	)
}
