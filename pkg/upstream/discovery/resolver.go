// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/networking"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

const (
	// DefaultTTL is how long discovered metadata is considered fresh.
	DefaultTTL = 15 * time.Minute

	// DefaultMaxEntries bounds the number of cached providers.
	DefaultMaxEntries = 256

	// DefaultStaleWait is how long a caller holding a stale entry waits for a
	// refresh before the stale entry is served.
	DefaultStaleWait = 2 * time.Second
)

type cacheEntry struct {
	endpoints *Endpoints
	// fingerprint covers every provider field the entry was derived from.
	fingerprint string
	expiresAt   time.Time
}

// Resolver resolves provider endpoints. It is safe for concurrent use.
type Resolver struct {
	client     *http.Client
	ttl        time.Duration
	staleWait  time.Duration
	maxEntries int
	metrics    *telemetry.Metrics
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets the freshness period of cached metadata.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the cache size.
func WithMaxEntries(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithStaleWait sets how long to wait for a refresh before serving stale metadata.
func WithStaleWait(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.staleWait = d
		}
	}
}

// WithMetrics records cache results.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver creates a resolver that fetches metadata with client.
func NewResolver(client *http.Client, opts ...Option) *Resolver {
	r := &Resolver{
		client:     client,
		ttl:        DefaultTTL,
		staleWait:  DefaultStaleWait,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		entries:    make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective endpoints of p.
func (r *Resolver) Resolve(ctx context.Context, p *types.Provider) (*Endpoints, error) {
	switch p.DiscoveryMode {
	case types.DiscoveryDisabled:
		return fromOverrides(p, r.now()), nil
	case types.DiscoveryOIDC, types.DiscoveryInsecure:
		return r.resolveCached(ctx, p)
	default:
		return nil, brokererrors.NewConfigurationError("unknown discovery mode "+string(p.DiscoveryMode), nil)
	}
}

// Invalidate drops the cached metadata of a provider.
func (r *Resolver) Invalidate(providerID string) {
	r.mu.Lock()
	delete(r.entries, providerID)
	r.mu.Unlock()
	r.group.Forget(providerID)
}

// InvalidateProvider implements upstream.CacheInvalidator.
func (r *Resolver) InvalidateProvider(_ context.Context, providerID string) {
	r.Invalidate(providerID)
}

func (r *Resolver) resolveCached(ctx context.Context, p *types.Provider) (*Endpoints, error) {
	fp := fingerprint(p)

	r.mu.Lock()
	entry, ok := r.entries[p.ID]
	if ok && entry.fingerprint != fp {
		delete(r.entries, p.ID)
		ok = false
	}
	r.mu.Unlock()

	if ok && r.now().Before(entry.expiresAt) {
		r.metrics.ObserveDiscovery(telemetry.OutcomeHit)
		return entry.endpoints, nil
	}

	provider := p.Clone()
	ch := r.group.DoChan(p.ID, func() (any, error) {
		// The refresh outlives a caller that gave up waiting on it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), networking.HttpTimeout)
		defer cancel()
		endpoints, err := fetch(fetchCtx, r.client, provider, r.now())
		if err != nil {
			return nil, err
		}
		r.store(provider.ID, fp, endpoints)
		return endpoints, nil
	})

	if !ok {
		r.metrics.ObserveDiscovery(telemetry.OutcomeMiss)
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Endpoints), nil
		case <-ctx.Done():
			return nil, brokererrors.NewDiscoveryError("discovery interrupted", ctx.Err())
		}
	}

	timer := time.NewTimer(r.staleWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			logger.Warnw("discovery refresh failed, serving stale metadata",
				"provider_id", p.ID,
				"error", res.Err,
			)
			r.metrics.ObserveDiscovery(telemetry.OutcomeStale)
			return entry.endpoints, nil
		}
		r.metrics.ObserveDiscovery(telemetry.OutcomeMiss)
		return res.Val.(*Endpoints), nil
	case <-timer.C:
		logger.Debugw("discovery refresh still running, serving stale metadata", "provider_id", p.ID)
		r.metrics.ObserveDiscovery(telemetry.OutcomeStale)
		return entry.endpoints, nil
	case <-ctx.Done():
		return nil, brokererrors.NewDiscoveryError("discovery interrupted", ctx.Err())
	}
}

func (r *Resolver) store(providerID, fp string, endpoints *Endpoints) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[providerID]; !exists && len(r.entries) >= r.maxEntries {
		r.evictOldestLocked()
	}
	r.entries[providerID] = &cacheEntry{
		endpoints:   endpoints,
		fingerprint: fp,
		expiresAt:   endpoints.FetchedAt.Add(r.ttl),
	}
}

func (r *Resolver) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, entry := range r.entries {
		if oldestID == "" || entry.expiresAt.Before(oldest) {
			oldestID, oldest = id, entry.expiresAt
		}
	}
	delete(r.entries, oldestID)
}

func (r *Resolver) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func fingerprint(p *types.Provider) string {
	return strings.Join([]string{
		string(p.DiscoveryMode),
		p.Issuer,
		p.AuthorizationEndpoint,
		p.TokenEndpoint,
		p.UserinfoEndpoint,
		p.JWKSURI,
	}, "\x00")
}
