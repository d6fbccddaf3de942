// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest contains a behavioural test suite shared by every
// storage backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run executes the suite against backends produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	t.Run("providers", func(t *testing.T) { testProviders(t, newStorage(t)) })
	t.Run("provider upsert keeps creation time", func(t *testing.T) { testUpsertKeepsCreatedAt(t, newStorage(t)) })
	t.Run("authorization sessions", func(t *testing.T) { testSessions(t, newStorage(t)) })
	t.Run("concurrent completion", func(t *testing.T) { testConcurrentCompletion(t, newStorage(t)) })
	t.Run("links", func(t *testing.T) { testLinks(t, newStorage(t)) })
	t.Run("replay", func(t *testing.T) { testReplay(t, newStorage(t)) })
}

func provider(id string) *types.Provider {
	return &types.Provider{
		ID:                      id,
		Issuer:                  "https://" + id + ".example.com",
		Scope:                   "openid email",
		ClientID:                "client-" + id,
		EncryptedClientSecret:   "sealed",
		TokenEndpointAuthMethod: types.ClientAuthSecretBasic,
		DiscoveryMode:           types.DiscoveryOIDC,
		PKCEMode:                types.PKCEAuto,
		OnBackchannelLogout:     types.BackchannelLogoutSession,
		ClaimsImports: []types.ClaimsImportRule{
			{Claim: "name", Attribute: types.AttributeDisplayName, OnConflict: types.ConflictOverwrite},
		},
		AdditionalAuthorizationParameters: []types.Parameter{{Key: "prompt", Value: "consent"}},
	}
}

func testProviders(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()

	_, err := s.GetProvider(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, s.DisableProvider(ctx, "missing", time.Now()), storage.ErrNotFound)

	for _, id := range []string{"zitadel", "github", "google"} {
		_, err := s.UpsertProvider(ctx, provider(id))
		require.NoError(t, err)
	}

	got, err := s.GetProvider(ctx, "github")
	require.NoError(t, err)
	assert.Equal(t, "client-github", got.ClientID)
	assert.Equal(t, []types.Parameter{{Key: "prompt", Value: "consent"}}, got.AdditionalAuthorizationParameters)
	assert.Len(t, got.ClaimsImports, 1)
	assert.True(t, got.Enabled())

	require.NoError(t, s.DisableProvider(ctx, "github", time.Now()))

	disabled, err := s.GetProvider(ctx, "github")
	require.NoError(t, err, "disabled providers stay resolvable")
	assert.False(t, disabled.Enabled())

	enabled, err := s.ListProviders(ctx, false)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "google", enabled[0].ID)
	assert.Equal(t, "zitadel", enabled[1].ID)

	all, err := s.ListProviders(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "github", all[0].ID)
}

func testUpsertKeepsCreatedAt(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()

	p := provider("google")
	p.CreatedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	first, err := s.UpsertProvider(ctx, p)
	require.NoError(t, err)
	assert.WithinDuration(t, p.CreatedAt, first, time.Millisecond)

	require.NoError(t, s.DisableProvider(ctx, "google", time.Now()))

	updated := provider("google")
	updated.ClientID = "rotated"
	updated.CreatedAt = time.Now()
	second, err := s.UpsertProvider(ctx, updated)
	require.NoError(t, err)
	assert.WithinDuration(t, first, second, time.Millisecond, "re-upsert keeps the original creation time")

	got, err := s.GetProvider(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.ClientID)
	assert.True(t, got.Enabled(), "upsert clears the disabled state")
}

func session(state string, expiresAt time.Time) *types.AuthorizationSession {
	return &types.AuthorizationSession{
		ID:           "sess-" + state,
		ProviderID:   "google",
		State:        state,
		Nonce:        "nonce-" + state,
		CodeVerifier: "verifier-" + state,
		RedirectURI:  "https://broker.example.com/callback/google",
		Continuation: types.Continuation{Intent: types.IntentLink, Data: `{"next":"/settings"}`},
		CreatedAt:    time.Now(),
		ExpiresAt:    expiresAt,
	}
}

func testSessions(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateAuthorizationSession(ctx, session("s1", now.Add(10*time.Minute))))
	require.ErrorIs(t, s.CreateAuthorizationSession(ctx, session("s1", now.Add(10*time.Minute))), storage.ErrAlreadyExists)

	got, err := s.CompleteAuthorizationSession(ctx, "s1", now)
	require.NoError(t, err)
	assert.Equal(t, "sess-s1", got.ID)
	assert.Equal(t, "nonce-s1", got.Nonce)
	assert.Equal(t, "verifier-s1", got.CodeVerifier)
	assert.Equal(t, types.IntentLink, got.Continuation.Intent)
	assert.Equal(t, `{"next":"/settings"}`, got.Continuation.Data)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, now, *got.CompletedAt, time.Millisecond)

	_, err = s.CompleteAuthorizationSession(ctx, "s1", now)
	require.ErrorIs(t, err, storage.ErrAlreadyCompleted)

	_, err = s.CompleteAuthorizationSession(ctx, "unknown", now)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateAuthorizationSession(ctx, session("s2", now.Add(-time.Second))))
	_, err = s.CompleteAuthorizationSession(ctx, "s2", now)
	require.ErrorIs(t, err, storage.ErrExpired)
}

func testConcurrentCompletion(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateAuthorizationSession(ctx, session("race", now.Add(10*time.Minute))))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompleteAuthorizationSession(ctx, "race", now)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, workers-1)
	for _, err := range failures {
		assert.ErrorIs(t, err, storage.ErrAlreadyCompleted)
	}
}

func testLinks(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, subject := range []string{"sub-1", "sub:with:colons"} {
		require.NoError(t, s.CreateLink(ctx, &types.Link{
			ID:         fmt.Sprintf("link-%d", i),
			ProviderID: "google",
			Subject:    subject,
			AccountID:  "acct-1",
			Label:      "Alice",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	err := s.CreateLink(ctx, &types.Link{ID: "dup", ProviderID: "google", Subject: "sub-1", AccountID: "acct-2"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)

	require.NoError(t, s.CreateLink(ctx, &types.Link{
		ID: "other-provider", ProviderID: "github", Subject: "sub-1", AccountID: "acct-2", CreatedAt: base,
	}), "the same subject at another provider is a different identity")

	got, err := s.GetLink(ctx, "google", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "Alice", got.Label)

	_, err = s.GetLink(ctx, "google", "sub-3")
	require.ErrorIs(t, err, storage.ErrNotFound)

	links, err := s.ListAccountLinks(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "link-0", links[0].ID)
	assert.Equal(t, "sub:with:colons", links[1].Subject)

	assert.Error(t, s.CreateLink(ctx, &types.Link{ID: "x", ProviderID: "google", Subject: "s"}))
}

func testReplay(t *testing.T, s storage.Storage) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.MarkTokenUsed(ctx, "google:jti-1", time.Now().Add(time.Minute)))
	require.ErrorIs(t, s.MarkTokenUsed(ctx, "google:jti-1", time.Now().Add(time.Minute)), storage.ErrAlreadyExists)
	require.NoError(t, s.MarkTokenUsed(ctx, "github:jti-1", time.Now().Add(time.Minute)))

	require.NoError(t, s.ReleaseToken(ctx, "google:jti-1"))
	require.NoError(t, s.MarkTokenUsed(ctx, "google:jti-1", time.Now().Add(time.Minute)))
	require.ErrorIs(t, s.MarkTokenUsed(ctx, "github:jti-1", time.Now().Add(time.Minute)), storage.ErrAlreadyExists)
	require.NoError(t, s.ReleaseToken(ctx, "never-seen"))
}
