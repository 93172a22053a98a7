package fulfillment

import (
	"context"
	"fmt"

	"github.com/davidroman0O/ordersaga/internal/config"
	"github.com/davidroman0O/ordersaga/internal/engine/history"
	"github.com/davidroman0O/ordersaga/internal/engine/history/redisstore"
	"github.com/davidroman0O/ordersaga/internal/engine/history/sqlite"
	"github.com/davidroman0O/ordersaga/internal/logs"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository/memory"
	"github.com/davidroman0O/ordersaga/internal/persistence/repository/postgres"
)

// OpenHistory opens the configured history store.
// Only the sqlite file and redis stores can be shared between processes.
func OpenHistory(ctx context.Context, cfg config.Config, logger logs.Logger) (history.Store, error) {
	var (
		store history.Store
		err   error
	)
	switch cfg.History {
	case config.HistoryMemory:
		store, err = history.NewMemoryStore()
	case config.HistorySQLite:
		store, err = sqlite.New(ctx, sqlite.WithPath(cfg.HistoryPath), sqlite.WithLogger(logger))
	case config.HistoryRedis:
		store, err = redisstore.Open(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("%w: history %q", config.ErrInvalidConfig, cfg.History)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", cfg.History, err)
	}
	return store, nil
}

func OpenRepository(ctx context.Context, cfg config.Config) (repository.Repository, error) {
	var (
		repo repository.Repository
		err  error
	)
	switch cfg.Repository {
	case config.RepositoryMemory:
		repo, err = memory.New()
	case config.RepositoryPostgres:
		repo, err = postgres.Open(ctx, cfg.PostgresDSN(), cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("%w: repository %q", config.ErrInvalidConfig, cfg.Repository)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s repository: %w", cfg.Repository, err)
	}
	return repo, nil
}
