// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultConnectAttempts is how often the initial ping is tried.
const DefaultConnectAttempts = 3

// sessionRetention keeps expired sessions around so a late callback is
// reported as expired rather than unknown.
const sessionRetention = 10 * time.Minute

// maxWatchRetries bounds optimistic-locking retries on provider updates.
const maxWatchRetries = 5

// Key types used to build Redis keys.
const (
	KeyTypeProvider     = "provider"
	KeyTypeProviderSet  = "providers"
	KeyTypeSession      = "session"
	KeyTypeLink         = "link"
	KeyTypeAccountLinks = "account:links"
	KeyTypeUsedToken    = "jti"
)

// RedisStorage implements Storage on Redis. It supports standalone and
// Sentinel deployments and can be shared by several broker replicas.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Storage = (*RedisStorage)(nil)

// storedSession is the Redis representation of an AuthorizationSession.
// Times are unix milliseconds so the completion script can compare them.
type storedSession struct {
	ID             string             `json:"id"`
	ProviderID     string             `json:"provider_id"`
	State          string             `json:"state"`
	Nonce          string             `json:"nonce,omitempty"`
	CodeVerifier   string             `json:"code_verifier,omitempty"`
	RedirectTarget string             `json:"redirect_target,omitempty"`
	RedirectURI    string             `json:"redirect_uri"`
	Continuation   types.Continuation `json:"continuation"`
	CreatedAt      int64              `json:"created_at"`
	ExpiresAt      int64              `json:"expires_at"`
	CompletedAt    int64              `json:"completed_at,omitempty"`
}

// NewRedisStorage creates Redis-backed storage and checks connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}

	addrs := cfg.SentinelAddrs
	if cfg.Addr != "" {
		addrs = []string{cfg.Addr}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := pingWithRetry(ctx, client, cfg.ConnectAttempts); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// pingWithRetry pings the server with exponential backoff, for deployments
// where the broker starts before Redis is ready.
func pingWithRetry(ctx context.Context, client redis.UniversalClient, attempts int) error {
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(attempts)), // #nosec G115 -- attempts is positive
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("redis not ready, retrying", "error", err, "delay", d)
		}),
	)
	return err
}

func validateRedisConfig(cfg *RedisConfig) error {
	switch {
	case cfg.Addr != "" && cfg.MasterName != "":
		return errors.New("addr and master_name are mutually exclusive")
	case cfg.Addr == "" && cfg.MasterName == "":
		return errors.New("either addr or master_name is required")
	case cfg.MasterName != "" && len(cfg.SentinelAddrs) == 0:
		return errors.New("sentinel_addrs is required with master_name")
	}
	return nil
}

func (s *RedisStorage) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// Health pings the Redis server.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// -----------------------
// Providers
// -----------------------

// GetProvider returns the provider with the given ID.
func (s *RedisStorage) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeProvider, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}

	var p types.Provider
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal provider: %w", err)
	}
	return &p, nil
}

// ListProviders returns providers ordered by ID.
func (s *RedisStorage) ListProviders(ctx context.Context, includeDisabled bool) ([]*types.Provider, error) {
	ids, err := s.client.SMembers(ctx, s.keyPrefix+KeyTypeProviderSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	if len(ids) == 0 {
		return []*types.Provider{}, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(KeyTypeProvider, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}

	out := make([]*types.Provider, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		var p types.Provider
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider: %w", err)
		}
		if !includeDisabled && !p.Enabled() {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// UpsertProvider inserts or replaces a provider using optimistic locking so
// concurrent upserts of the same ID serialize.
func (s *RedisStorage) UpsertProvider(ctx context.Context, provider *types.Provider) (time.Time, error) {
	if provider == nil {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider cannot be nil")
	}
	if provider.ID == "" {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider ID cannot be empty")
	}

	key := s.key(KeyTypeProvider, provider.ID)
	var createdAt time.Time

	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		stored := provider.Clone()
		stored.DisabledAt = nil

		existing, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var prev types.Provider
			if err := json.Unmarshal(existing, &prev); err != nil {
				return fmt.Errorf("failed to unmarshal provider: %w", err)
			}
			stored.CreatedAt = prev.CreatedAt
		case errors.Is(err, redis.Nil):
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = time.Now().UTC()
			}
		default:
			return fmt.Errorf("failed to get provider: %w", err)
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal provider: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keyPrefix+KeyTypeProviderSet, provider.ID)
			return nil
		})
		createdAt = stored.CreatedAt
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

// DisableProvider marks a provider as disabled.
func (s *RedisStorage) DisableProvider(ctx context.Context, id string, at time.Time) error {
	key := s.key(KeyTypeProvider, id)

	return s.watch(ctx, key, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
			}
			return fmt.Errorf("failed to get provider: %w", err)
		}

		var p types.Provider
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal provider: %w", err)
		}
		if p.DisabledAt != nil {
			return nil
		}
		disabledAt := at
		p.DisabledAt = &disabledAt

		updated, err := json.Marshal(&p)
		if err != nil {
			return fmt.Errorf("failed to marshal provider: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	})
}

// watch runs fn inside WATCH key, retrying when another client modified the key.
func (s *RedisStorage) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update %s: too much contention", key)
}

// -----------------------
// Authorization sessions
// -----------------------

// CreateAuthorizationSession stores a new session keyed by its state.
func (s *RedisStorage) CreateAuthorizationSession(ctx context.Context, session *types.AuthorizationSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("authorization session cannot be nil")
	}
	if session.State == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}

	data, err := json.Marshal(storedSession{
		ID:             session.ID,
		ProviderID:     session.ProviderID,
		State:          session.State,
		Nonce:          session.Nonce,
		CodeVerifier:   session.CodeVerifier,
		RedirectTarget: session.RedirectTarget,
		RedirectURI:    session.RedirectURI,
		Continuation:   session.Continuation,
		CreatedAt:      session.CreatedAt.UnixMilli(),
		ExpiresAt:      session.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization session: %w", err)
	}

	ttl := max(time.Until(session.ExpiresAt)+sessionRetention, time.Second)
	ok, err := s.client.SetNX(ctx, s.key(KeyTypeSession, session.State), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: state already in use", ErrAlreadyExists)
	}
	return nil
}

// completeSessionScript atomically marks a session completed.
// Returns 0 if missing, -1 if already completed, -2 if expired, and the
// updated JSON document on success.
var completeSessionScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local session = cjson.decode(data)
if session.completed_at and session.completed_at > 0 then
	return -1
end
local now = tonumber(ARGV[1])
if now >= session.expires_at then
	return -2
end
session.completed_at = now
local encoded = cjson.encode(session)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
	redis.call('SET', KEYS[1], encoded)
end
return encoded
`)

// CompleteAuthorizationSession atomically consumes the session for state.
func (s *RedisStorage) CompleteAuthorizationSession(
	ctx context.Context, state string, now time.Time,
) (*types.AuthorizationSession, error) {
	result, err := completeSessionScript.Run(ctx, s.client, []string{s.key(KeyTypeSession, state)}, now.UnixMilli()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to complete authorization session: %w", err)
	}

	switch v := result.(type) {
	case int64:
		switch v {
		case 0:
			return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization session not found"))
		case -1:
			return nil, ErrAlreadyCompleted
		default:
			return nil, ErrExpired
		}
	case string:
		var stored storedSession
		if err := json.Unmarshal([]byte(v), &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal authorization session: %w", err)
		}
		return stored.toSession(), nil
	default:
		return nil, fmt.Errorf("unexpected completion result %T", result)
	}
}

func (ss *storedSession) toSession() *types.AuthorizationSession {
	session := &types.AuthorizationSession{
		ID:             ss.ID,
		ProviderID:     ss.ProviderID,
		State:          ss.State,
		Nonce:          ss.Nonce,
		CodeVerifier:   ss.CodeVerifier,
		RedirectTarget: ss.RedirectTarget,
		RedirectURI:    ss.RedirectURI,
		Continuation:   ss.Continuation,
		CreatedAt:      time.UnixMilli(ss.CreatedAt),
		ExpiresAt:      time.UnixMilli(ss.ExpiresAt),
	}
	if ss.CompletedAt > 0 {
		completedAt := time.UnixMilli(ss.CompletedAt)
		session.CompletedAt = &completedAt
	}
	return session
}

// -----------------------
// Links
// -----------------------

// CreateLink stores a link unless (provider, subject) is already linked.
func (s *RedisStorage) CreateLink(ctx context.Context, link *types.Link) error {
	if err := ValidateLink(link); err != nil {
		return err
	}

	data, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("failed to marshal link: %w", err)
	}

	key := s.key(KeyTypeLink, providerLinkKey(link.ProviderID, link.Subject))
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store link: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: upstream subject already linked", ErrAlreadyExists)
	}

	return s.client.SAdd(ctx, s.key(KeyTypeAccountLinks, link.AccountID), key).Err()
}

// GetLink returns the link for (provider, subject).
func (s *RedisStorage) GetLink(ctx context.Context, providerID, subject string) (*types.Link, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeLink, providerLinkKey(providerID, subject))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: upstream link not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}

	var link types.Link
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("failed to unmarshal link: %w", err)
	}
	return &link, nil
}

// ListAccountLinks returns the links of an account ordered by creation time.
func (s *RedisStorage) ListAccountLinks(ctx context.Context, accountID string) ([]*types.Link, error) {
	keys, err := s.client.SMembers(ctx, s.key(KeyTypeAccountLinks, accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list account links: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load account links: %w", err)
	}

	var out []*types.Link
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var link types.Link
		if err := json.Unmarshal([]byte(raw), &link); err != nil {
			return nil, fmt.Errorf("failed to unmarshal link: %w", err)
		}
		out = append(out, &link)
	}
	sortLinks(out)
	return out, nil
}

// -----------------------
// Replay protection
// -----------------------

// MarkTokenUsed records key until expiresAt.
func (s *RedisStorage) MarkTokenUsed(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return fosite.ErrInvalidRequest.WithHint("token ID cannot be empty")
	}

	ttl := max(time.Until(expiresAt), time.Second)
	ok, err := s.client.SetNX(ctx, s.key(KeyTypeUsedToken, key), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record token ID: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, fosite.ErrJTIKnown)
	}
	return nil
}

// ReleaseToken forgets key.
func (s *RedisStorage) ReleaseToken(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(KeyTypeUsedToken, key)).Err(); err != nil {
		return fmt.Errorf("failed to release token ID: %w", err)
	}
	return nil
}
