// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"
	// TypeRedis uses Redis Sentinel.
	TypeRedis Type = "redis"
	// TypeSQLite uses a local SQLite database file.
	TypeSQLite Type = "sqlite"
)

// Config is the serializable storage configuration.
type Config struct {
	// Type specifies the storage backend type. Defaults to "memory".
	Type Type `yaml:"type,omitempty"`

	// CleanupInterval applies to the memory backend.
	CleanupInterval time.Duration `yaml:"cleanupInterval,omitempty"`

	// Redis configures the redis backend.
	Redis *RedisRunConfig `yaml:"redis,omitempty"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlitePath,omitempty"`
}

// RedisRunConfig is the file representation of RedisConfig. The password is
// read from PasswordEnv.
type RedisRunConfig struct {
	MasterName    string        `yaml:"masterName"`
	SentinelAddrs []string      `yaml:"sentinelAddrs"`
	DB            int           `yaml:"db,omitempty"`
	Username      string        `yaml:"username"`
	PasswordEnv   string        `yaml:"passwordEnv,omitempty"`
	KeyPrefix     string        `yaml:"keyPrefix"`
	DialTimeout   time.Duration `yaml:"dialTimeout,omitempty"`
	ReadTimeout   time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout  time.Duration `yaml:"writeTimeout,omitempty"`
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis configuration is required for storage type %q", c.Type)
		}
		return nil
	case TypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlitePath is required for storage type %q", c.Type)
		}
		return nil
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}
