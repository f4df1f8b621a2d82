// --- File: pushgateway/storage.go ---
package pushgateway

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"gorm.io/gorm"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/internal/storage/cache"
	"github.com/tinywideclouds/go-push-gateway/internal/storage/file"
	fsStore "github.com/tinywideclouds/go-push-gateway/internal/storage/firestore"
	sqlStore "github.com/tinywideclouds/go-push-gateway/internal/storage/sql"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

// Stores holds the shared persistence client and hands out one store per
// component host.
type Stores struct {
	path   string
	fs     *firestore.Client
	redis  *cache.RedisClient
	db     *gorm.DB
	logger *slog.Logger
}

// OpenStores connects the configured persistence backend.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	s := &Stores{path: cfg.Storage.Path, logger: logger}

	switch cfg.Storage.Type {
	case config.StorageFile:
	case config.StorageFirestore:
		client, err := firestore.NewClient(ctx, cfg.Storage.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		s.fs = client
	case config.StorageRedis:
		client, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
	case config.StorageSQL:
		db, err := sqlStore.Open(sqlStore.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
		if err != nil {
			return nil, err
		}
		s.db = db
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	logger.Info("Registration storage initialized", "type", cfg.Storage.Type)
	return s, nil
}

// For returns the store of one component.
func (s *Stores) For(host string) registry.Store {
	switch {
	case s.fs != nil:
		return fsStore.NewFirestoreStore(s.fs, host)
	case s.redis != nil:
		return cache.NewRegistrationStore(s.redis, host)
	case s.db != nil:
		return sqlStore.NewStore(s.db, host)
	default:
		return file.NewStore(s.path, host)
	}
}

func (s *Stores) Close() {
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			s.logger.Warn("Failed to close firestore client", "err", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("Failed to close redis client", "err", err)
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
