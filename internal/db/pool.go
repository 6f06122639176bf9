package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// NewPool creates the PostgreSQL connection pool backing the credential
// store. The pool is small on purpose: the only traffic is one credential
// row read at startup and one upsert per token refresh.
func NewPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("creating credential store pool: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				logger.Error("credential store unreachable",
					zap.Error(err),
					zap.String("url", maskPassword(databaseURL)))
				return fmt.Errorf("pinging credential store: %w", err)
			}
			logger.Info("credential store connected")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("credential store connection closed")
			return nil
		},
	})

	return pool, nil
}

// maskPassword hides the password component of a connection URL for logging.
func maskPassword(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	colon := strings.LastIndex(url[:at], ":")
	if colon < 0 || colon+1 >= at || url[colon+1] == '/' {
		return url
	}
	return url[:colon+1] + "***" + url[at:]
}
