// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/storage/sqlite"
	"github.com/stacklok/idbroker/pkg/logger"
)

// NewStorage creates the backend selected by cfg. The Redis password is read
// from the variable named by PasswordEnv.
func NewStorage(ctx context.Context, cfg storage.Config, envReader env.Reader) (storage.Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if envReader == nil {
		envReader = &env.OSReader{}
	}

	switch cfg.Type {
	case storage.TypeMemory, "":
		var opts []storage.MemoryStorageOption
		if cfg.CleanupInterval > 0 {
			opts = append(opts, storage.WithCleanupInterval(cfg.CleanupInterval))
		}
		logger.Debug("using in-memory storage")
		return storage.NewMemoryStorage(opts...), nil

	case storage.TypeRedis:
		rc := cfg.Redis
		password := ""
		if rc.PasswordEnv != "" {
			password = envReader.Getenv(rc.PasswordEnv)
		}
		logger.Debugw("using redis storage", "master", rc.MasterName, "sentinels", len(rc.SentinelAddrs))
		store, err := storage.NewRedisStorage(ctx, storage.RedisConfig{
			SentinelConfig: &storage.SentinelConfig{
				MasterName:    rc.MasterName,
				SentinelAddrs: rc.SentinelAddrs,
				DB:            rc.DB,
			},
			ACLUserConfig: &storage.ACLUserConfig{
				Username: rc.Username,
				Password: password,
			},
			KeyPrefix:    rc.KeyPrefix,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case storage.TypeSQLite:
		var opts []sqlite.Option
		if cfg.CleanupInterval > 0 {
			opts = append(opts, sqlite.WithCleanupInterval(cfg.CleanupInterval))
		}
		logger.Debugw("using sqlite storage", "path", cfg.SQLitePath)
		store, err := sqlite.Open(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}
