// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the repository interfaces used by the upstream
// provider engine, together with in-memory and Redis implementations.
// A SQLite implementation lives in the sqlite subpackage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = httperr.WithCode(
		errors.New("resource not found"),
		http.StatusNotFound,
	)

	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = httperr.WithCode(
		errors.New("resource already exists"),
		http.StatusConflict,
	)

	// ErrExpired is returned when a resource has passed its expiry.
	ErrExpired = httperr.WithCode(
		errors.New("resource expired"),
		http.StatusGone,
	)

	// ErrAlreadyCompleted is returned when an authorization session was already consumed.
	ErrAlreadyCompleted = httperr.WithCode(
		errors.New("authorization session already completed"),
		http.StatusConflict,
	)
)

// DefaultReplayRetention is how long used logout token IDs are remembered.
const DefaultReplayRetention = 10 * time.Minute

// ProviderStorage persists upstream provider configuration.
type ProviderStorage interface {
	// GetProvider returns the provider with the given ID, enabled or not.
	// Returns ErrNotFound if it does not exist.
	GetProvider(ctx context.Context, id string) (*types.Provider, error)

	// ListProviders returns providers ordered by ID.
	ListProviders(ctx context.Context, includeDisabled bool) ([]*types.Provider, error)

	// UpsertProvider inserts or replaces a provider and clears its disabled
	// state. It returns the effective creation time, which is the original
	// creation time when the provider already existed.
	UpsertProvider(ctx context.Context, provider *types.Provider) (time.Time, error)

	// DisableProvider marks a provider as disabled. Returns ErrNotFound if it does not exist.
	DisableProvider(ctx context.Context, id string, at time.Time) error
}

// AuthorizationSessionStorage persists in-flight authorizations.
type AuthorizationSessionStorage interface {
	// CreateAuthorizationSession stores a new session keyed by its state.
	// Returns ErrAlreadyExists if the state is already in use.
	CreateAuthorizationSession(ctx context.Context, session *types.AuthorizationSession) error

	// CompleteAuthorizationSession atomically looks up the session by state,
	// checks that it is neither completed nor expired at now, and marks it
	// completed. Exactly one concurrent caller can succeed for a given state.
	// Returns ErrNotFound, ErrAlreadyCompleted or ErrExpired on failure.
	CompleteAuthorizationSession(ctx context.Context, state string, now time.Time) (*types.AuthorizationSession, error)
}

// LinkStorage persists upstream links.
type LinkStorage interface {
	// CreateLink stores a link. Returns ErrAlreadyExists if (provider, subject) is taken.
	CreateLink(ctx context.Context, link *types.Link) error

	// GetLink returns the link for (provider, subject). Returns ErrNotFound if none exists.
	GetLink(ctx context.Context, providerID, subject string) (*types.Link, error)

	// ListAccountLinks returns the links of an account ordered by creation time.
	ListAccountLinks(ctx context.Context, accountID string) ([]*types.Link, error)
}

// ReplayStorage records one-time token identifiers.
type ReplayStorage interface {
	// MarkTokenUsed records key until expiresAt. Returns ErrAlreadyExists if
	// the key is already recorded and not yet expired.
	MarkTokenUsed(ctx context.Context, key string, expiresAt time.Time) error

	// ReleaseToken forgets key so the token can be processed again. Releasing
	// an unknown key is not an error.
	ReleaseToken(ctx context.Context, key string) error
}

// Storage combines every repository the engine needs.
type Storage interface {
	ProviderStorage
	AuthorizationSessionStorage
	LinkStorage
	ReplayStorage

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// providerLinkKey creates a unique key for a (provider, subject) pair.
// The length prefix keeps keys collision-free when either part contains colons.
func providerLinkKey(providerID, subject string) string {
	return fmt.Sprintf("%d:%s:%s", len(providerID), providerID, subject)
}
