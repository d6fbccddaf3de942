// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/storage/storagetest"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

func TestMemoryStorage(t *testing.T) {
	t.Parallel()

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		t.Helper()
		s := storage.NewMemoryStorage()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStorage_CopiesValues(t *testing.T) {
	t.Parallel()

	s := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	p := &types.Provider{ID: "google", ClientID: "c1", Scope: "openid"}
	_, err := s.UpsertProvider(ctx, p)
	require.NoError(t, err)

	p.ClientID = "mutated"
	got, err := s.GetProvider(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ClientID)

	got.ClientID = "mutated-again"
	again, err := s.GetProvider(ctx, "google")
	require.NoError(t, err)
	assert.Equal(t, "c1", again.ClientID)
}

func TestMemoryStorage_CleanupDropsExpiredState(t *testing.T) {
	t.Parallel()

	s := storage.NewMemoryStorage(storage.WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.CreateAuthorizationSession(ctx, &types.AuthorizationSession{
		ID: "s", ProviderID: "google", State: "st", ExpiresAt: time.Now().Add(-time.Second),
	}))
	require.NoError(t, s.MarkTokenUsed(ctx, "google:jti", time.Now().Add(20*time.Millisecond)))

	require.Eventually(t, func() bool {
		_, err := s.CompleteAuthorizationSession(ctx, "st", time.Now())
		return errors.Is(err, storage.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.MarkTokenUsed(ctx, "google:jti", time.Now().Add(time.Minute)) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStorage_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := storage.NewMemoryStorage()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func timeIn(t *testing.T) time.Time {
	t.Helper()
	return time.Now().Add(time.Minute)
}
