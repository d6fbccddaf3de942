// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// CacheInvalidator drops cached state derived from a provider's configuration.
type CacheInvalidator interface {
	InvalidateProvider(ctx context.Context, providerID string)
}

// InvalidatorFunc adapts a function to CacheInvalidator.
type InvalidatorFunc func(ctx context.Context, providerID string)

// InvalidateProvider calls f.
func (f InvalidatorFunc) InvalidateProvider(ctx context.Context, providerID string) {
	f(ctx, providerID)
}

// Registry resolves and manages provider configuration.
type Registry struct {
	store        storage.ProviderStorage
	invalidators []CacheInvalidator
	now          func() time.Time
}

// NewRegistry creates a registry over store. Every invalidator is notified
// when a provider changes.
func NewRegistry(store storage.ProviderStorage, invalidators ...CacheInvalidator) *Registry {
	return &Registry{
		store:        store,
		invalidators: invalidators,
		now:          time.Now,
	}
}

// Get returns a provider whether enabled or not.
func (r *Registry) Get(ctx context.Context, id string) (*types.Provider, error) {
	p, err := r.store.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, brokererrors.NewError(brokererrors.TypeProviderNotFound, fmt.Sprintf("provider %q", id), nil)
		}
		return nil, fmt.Errorf("failed to load provider %q: %w", id, err)
	}
	return p, nil
}

// GetEnabled returns a provider that may be used for a new authorization.
func (r *Registry) GetEnabled(ctx context.Context, id string) (*types.Provider, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Enabled() {
		return nil, brokererrors.NewError(brokererrors.TypeProviderDisabled, fmt.Sprintf("provider %q", id), nil)
	}
	return p, nil
}

// List returns providers ordered by ID.
func (r *Registry) List(ctx context.Context, includeDisabled bool) ([]*types.Provider, error) {
	providers, err := r.store.ListProviders(ctx, includeDisabled)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

// Upsert validates and stores a provider, enabling it. It returns the
// effective creation time.
func (r *Registry) Upsert(ctx context.Context, provider *types.Provider) (time.Time, error) {
	if provider == nil {
		return time.Time{}, brokererrors.NewConfigurationError("provider is required", nil)
	}
	p := provider.Clone()
	if err := p.Normalize(); err != nil {
		return time.Time{}, brokererrors.NewConfigurationError(fmt.Sprintf("invalid provider %q", p.ID), err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now().UTC()
	}

	createdAt, err := r.store.UpsertProvider(ctx, p)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store provider %q: %w", p.ID, err)
	}
	r.invalidate(ctx, p.ID)

	logger.Infow("upstream provider stored",
		"provider_id", p.ID,
		"discovery_mode", p.DiscoveryMode,
		"token_endpoint_auth_method", p.TokenEndpointAuthMethod,
	)
	return createdAt, nil
}

// Disable marks a provider as disabled. Existing links stay valid.
func (r *Registry) Disable(ctx context.Context, id string) error {
	if err := r.store.DisableProvider(ctx, id, r.now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return brokererrors.NewError(brokererrors.TypeProviderNotFound, fmt.Sprintf("provider %q", id), nil)
		}
		return fmt.Errorf("failed to disable provider %q: %w", id, err)
	}
	r.invalidate(ctx, id)
	logger.Infow("upstream provider disabled", "provider_id", id)
	return nil
}

func (r *Registry) invalidate(ctx context.Context, id string) {
	for _, inv := range r.invalidators {
		inv.InvalidateProvider(ctx, id)
	}
}
