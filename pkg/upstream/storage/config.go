// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis server.
	TypeRedis Type = "redis"

	// TypeSQLite uses a local SQLite database.
	TypeSQLite Type = "sqlite"

	// DefaultCleanupInterval is how often the memory and SQLite backends drop expired entries.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultRedisKeyPrefix namespaces broker keys in a shared Redis.
	DefaultRedisKeyPrefix = "idpbroker:"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type" validate:"omitempty,oneof=memory redis sqlite"`

	// Redis configures the Redis backend.
	Redis RedisConfig `mapstructure:"redis"`

	// SQLitePath is the database file for the SQLite backend.
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Type sqlite"`

	// CleanupInterval overrides DefaultCleanupInterval for the memory and SQLite backends.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is host:port of a standalone server. Mutually exclusive with Sentinel.
	Addr string `mapstructure:"addr"`

	// MasterName and SentinelAddrs select a Sentinel deployment.
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`

	DB       int    `mapstructure:"db"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// KeyPrefix namespaces keys. Defaults to DefaultRedisKeyPrefix.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ConnectAttempts bounds the startup ping. Defaults to DefaultConnectAttempts.
	ConnectAttempts int `mapstructure:"connect_attempts" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
