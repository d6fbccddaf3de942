// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/storage/sqlite"
)

// NewStorage creates a storage backend based on config.
// If config is nil, defaults to in-memory storage.
func NewStorage(ctx context.Context, config *storage.Config) (storage.Storage, error) {
	if config == nil {
		config = storage.DefaultConfig()
	}

	switch config.Type {
	case storage.TypeMemory, "":
		var opts []storage.MemoryStorageOption
		if config.CleanupInterval > 0 {
			opts = append(opts, storage.WithCleanupInterval(config.CleanupInterval))
		}
		return storage.NewMemoryStorage(opts...), nil

	case storage.TypeRedis:
		redisStorage, err := storage.NewRedisStorage(ctx, config.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis storage: %w", err)
		}
		return redisStorage, nil

	case storage.TypeSQLite:
		db, err := sqlite.Open(ctx, config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		logger.Debugw("opened sqlite storage", "path", config.SQLitePath)
		var opts []sqlite.StoreOption
		if config.CleanupInterval > 0 {
			opts = append(opts, sqlite.WithCleanupInterval(config.CleanupInterval))
		}
		return sqlite.NewStore(db, opts...), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}
