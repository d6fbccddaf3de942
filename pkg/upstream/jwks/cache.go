// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks caches the signing keys of upstream providers.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/networking"
	"github.com/stacklok/idpbroker/pkg/telemetry"
)

const (
	// DefaultMaxEntries bounds the number of registered key set URLs.
	DefaultMaxEntries = 256

	// DefaultMinRefreshInterval limits forced refreshes triggered by unknown key IDs.
	DefaultMinRefreshInterval = 30 * time.Second

	registrationTimeout = 5 * time.Second
)

var (
	// ErrKeyNotFound is returned when no key in the set matches the token.
	ErrKeyNotFound = errors.New("signing key not found in key set")

	// ErrNoKeySetURL is returned when the provider has no jwks_uri.
	ErrNoKeySetURL = errors.New("provider has no jwks_uri")
)

type registration struct {
	lastUsed    time.Time
	lastRefresh time.Time
}

// Cache resolves verification keys from provider key sets. Key sets are
// refreshed in the background, and once on demand when a token names an
// unknown key ID.
type Cache struct {
	jwks       *jwk.Cache
	cancel     context.CancelFunc
	maxEntries int
	minRefresh time.Duration
	metrics    *telemetry.Metrics
	now        func() time.Time

	mu         sync.Mutex
	registered map[string]*registration
	byProvider map[string]string
	group      singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the number of cached key sets.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMinRefreshInterval sets the minimum time between forced refreshes of one key set.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d >= 0 {
			c.minRefresh = d
		}
	}
}

// WithMetrics records forced refreshes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// NewCache creates a key set cache fetching with client. The background
// refresh stops when Close is called.
func NewCache(ctx context.Context, client networking.HTTPClient, opts ...Option) (*Cache, error) {
	ctx, cancel := context.WithCancel(ctx)

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(client))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	c := &Cache{
		jwks:       cache,
		cancel:     cancel,
		maxEntries: DefaultMaxEntries,
		minRefresh: DefaultMinRefreshInterval,
		now:        time.Now,
		registered: make(map[string]*registration),
		byProvider: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close stops background refreshes.
func (c *Cache) Close() {
	c.cancel()
}

// Key returns the public key of providerID's key set that verifies a token
// signed with alg. An empty kid selects the only key compatible with alg.
func (c *Cache) Key(ctx context.Context, providerID, jwksURI, kid, alg string) (any, error) {
	if jwksURI == "" {
		return nil, ErrNoKeySetURL
	}
	if err := c.ensureRegistered(ctx, providerID, jwksURI); err != nil {
		return nil, err
	}

	set, err := c.jwks.Lookup(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, err := selectKey(set, kid, alg)
	if errors.Is(err, ErrKeyNotFound) && c.allowRefresh(jwksURI) {
		logger.Debugw("key not in cached set, refreshing", "provider_id", providerID, "kid", kid)
		set, err = c.jwks.Refresh(ctx, jwksURI)
		if err != nil {
			c.metrics.ObserveJWKSRefresh(telemetry.OutcomeFailure)
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
		c.metrics.ObserveJWKSRefresh(telemetry.OutcomeSuccess)
		key, err = selectKey(set, kid, alg)
	}
	return key, err
}

// InvalidateProvider forgets the key set of a provider.
func (c *Cache) InvalidateProvider(ctx context.Context, providerID string) {
	c.mu.Lock()
	u, ok := c.byProvider[providerID]
	delete(c.byProvider, providerID)
	drop := ok && !c.inUseLocked(u)
	if drop {
		delete(c.registered, u)
	}
	c.mu.Unlock()

	if drop {
		c.unregister(ctx, u)
	}
}

func (c *Cache) ensureRegistered(ctx context.Context, providerID, u string) error {
	c.mu.Lock()
	var stale string
	if prev, ok := c.byProvider[providerID]; ok && prev != u {
		delete(c.byProvider, providerID)
		if !c.inUseLocked(prev) {
			delete(c.registered, prev)
			stale = prev
		}
	}
	reg, ok := c.registered[u]
	if ok {
		reg.lastUsed = c.now()
		c.byProvider[providerID] = u
	}
	c.mu.Unlock()

	if stale != "" {
		c.unregister(ctx, stale)
	}
	if ok {
		return nil
	}

	_, err, _ := c.group.Do(u, func() (any, error) {
		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registrationTimeout)
		defer cancel()
		if err := c.jwks.Register(regCtx, u); err != nil {
			// Unregister so that the next attempt fetches again.
			_ = c.jwks.Unregister(regCtx, u)
			return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	var evicted string
	if _, exists := c.registered[u]; !exists {
		if len(c.registered) >= c.maxEntries {
			evicted = c.evictLocked()
		}
		now := c.now()
		c.registered[u] = &registration{lastUsed: now, lastRefresh: now}
	}
	c.byProvider[providerID] = u
	c.mu.Unlock()

	if evicted != "" {
		c.unregister(ctx, evicted)
	}
	return nil
}

func (c *Cache) allowRefresh(u string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registered[u]
	if !ok {
		return false
	}
	now := c.now()
	if now.Sub(reg.lastRefresh) < c.minRefresh {
		return false
	}
	reg.lastRefresh = now
	return true
}

func (c *Cache) inUseLocked(u string) bool {
	for _, other := range c.byProvider {
		if other == u {
			return true
		}
	}
	return false
}

func (c *Cache) evictLocked() string {
	var victim string
	var oldest time.Time
	for u, reg := range c.registered {
		if victim == "" || reg.lastUsed.Before(oldest) {
			victim, oldest = u, reg.lastUsed
		}
	}
	delete(c.registered, victim)
	for id, u := range c.byProvider {
		if u == victim {
			delete(c.byProvider, id)
		}
	}
	return victim
}

func (c *Cache) unregister(ctx context.Context, u string) {
	if err := c.jwks.Unregister(context.WithoutCancel(ctx), u); err != nil {
		logger.Debugw("failed to unregister JWKS URL", "url", u, "error", err)
	}
}

func (c *Cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registered)
}

// selectKey picks the verification key for kid and alg from set.
func selectKey(set jwk.Set, kid, alg string) (any, error) {
	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		raw, err := exportKey(key)
		if err != nil {
			return nil, err
		}
		if !compatible(raw, alg) {
			return nil, fmt.Errorf("%w: kid %q cannot verify %s", ErrKeyNotFound, kid, alg)
		}
		return raw, nil
	}

	var found any
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		raw, err := exportKey(key)
		if err != nil || !compatible(raw, alg) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: token has no kid and several keys match %s", ErrKeyNotFound, alg)
		}
		found = raw
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no key for %s", ErrKeyNotFound, alg)
	}
	return found, nil
}

func exportKey(key jwk.Key) (any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return raw, nil
}

// compatible reports whether the public key type can verify alg.
func compatible(key any, alg string) bool {
	switch key.(type) {
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(alg, "ES")
	case ed25519.PublicKey:
		return alg == "EdDSA"
	default:
		return false
	}
}
