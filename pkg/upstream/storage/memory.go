// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// MemoryStorage implements Storage with in-memory maps.
// It is safe for concurrent use and suitable for development and tests.
// All values are copied on the way in and out.
type MemoryStorage struct {
	mu sync.RWMutex

	// providers maps provider ID -> Provider.
	providers map[string]*types.Provider

	// sessions maps state -> AuthorizationSession. Completed sessions are
	// kept until they expire so a replayed callback is reported as used.
	sessions map[string]*types.AuthorizationSession

	// links maps providerLinkKey(provider, subject) -> Link.
	links map[string]*types.Link

	// usedTokens maps replay key -> expiry.
	usedTokens map[string]time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewMemoryStorage creates a new MemoryStorage and starts its background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		providers:       make(map[string]*types.Provider),
		sessions:        make(map[string]*types.AuthorizationSession),
		links:           make(map[string]*types.Link),
		usedTokens:      make(map[string]time.Time),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock to keep write lock hold time short.
func (s *MemoryStorage) cleanupExpired(now time.Time) {
	s.mu.RLock()
	var expiredSessions, expiredTokens []string
	for state, session := range s.sessions {
		if session.Expired(now) {
			expiredSessions = append(expiredSessions, state)
		}
	}
	for key, exp := range s.usedTokens {
		if !now.Before(exp) {
			expiredTokens = append(expiredTokens, key)
		}
	}
	s.mu.RUnlock()

	if len(expiredSessions) == 0 && len(expiredTokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range expiredSessions {
		if session, ok := s.sessions[state]; ok && session.Expired(now) {
			delete(s.sessions, state)
		}
	}
	for _, key := range expiredTokens {
		if exp, ok := s.usedTokens[key]; ok && !now.Before(exp) {
			delete(s.usedTokens, key)
		}
	}
	logger.Debugw("cleaned up expired broker state",
		"sessions", len(expiredSessions), "token_ids", len(expiredTokens))
}

// -----------------------
// Providers
// -----------------------

// GetProvider returns the provider with the given ID.
func (s *MemoryStorage) GetProvider(_ context.Context, id string) (*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
	}
	return p.Clone(), nil
}

// ListProviders returns providers ordered by ID.
func (s *MemoryStorage) ListProviders(_ context.Context, includeDisabled bool) ([]*types.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if !includeDisabled && !p.Enabled() {
			continue
		}
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Provider) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// UpsertProvider inserts or replaces a provider and clears its disabled state.
func (s *MemoryStorage) UpsertProvider(_ context.Context, provider *types.Provider) (time.Time, error) {
	if provider == nil {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider cannot be nil")
	}
	if provider.ID == "" {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := provider.Clone()
	stored.DisabledAt = nil
	if existing, ok := s.providers[provider.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.providers[provider.ID] = stored
	return stored.CreatedAt, nil
}

// DisableProvider marks a provider as disabled.
func (s *MemoryStorage) DisableProvider(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.providers[id]
	if !ok {
		return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
	}
	if p.DisabledAt == nil {
		disabledAt := at
		p.DisabledAt = &disabledAt
	}
	return nil
}

// -----------------------
// Authorization sessions
// -----------------------

// CreateAuthorizationSession stores a new session keyed by its state.
func (s *MemoryStorage) CreateAuthorizationSession(_ context.Context, session *types.AuthorizationSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("authorization session cannot be nil")
	}
	if session.State == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.State]; exists {
		return fmt.Errorf("%w: state already in use", ErrAlreadyExists)
	}
	s.sessions[session.State] = session.Clone()
	return nil
}

// CompleteAuthorizationSession atomically consumes the session for state.
func (s *MemoryStorage) CompleteAuthorizationSession(
	_ context.Context, state string, now time.Time,
) (*types.AuthorizationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[state]
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization session not found"))
	}
	if session.Completed() {
		return nil, ErrAlreadyCompleted
	}
	if session.Expired(now) {
		return nil, ErrExpired
	}

	completedAt := now
	session.CompletedAt = &completedAt
	return session.Clone(), nil
}

// -----------------------
// Links
// -----------------------

// CreateLink stores a link unless (provider, subject) is already linked.
func (s *MemoryStorage) CreateLink(_ context.Context, link *types.Link) error {
	if err := ValidateLink(link); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := providerLinkKey(link.ProviderID, link.Subject)
	if _, exists := s.links[key]; exists {
		return fmt.Errorf("%w: upstream subject already linked", ErrAlreadyExists)
	}

	stored := *link
	s.links[key] = &stored
	return nil
}

// GetLink returns the link for (provider, subject).
func (s *MemoryStorage) GetLink(_ context.Context, providerID, subject string) (*types.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[providerLinkKey(providerID, subject)]
	if !ok {
		return nil, fmt.Errorf("%w: upstream link not found", ErrNotFound)
	}
	out := *link
	return &out, nil
}

// ListAccountLinks returns the links of an account ordered by creation time.
func (s *MemoryStorage) ListAccountLinks(_ context.Context, accountID string) ([]*types.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Link
	for _, link := range s.links {
		if link.AccountID == accountID {
			l := *link
			out = append(out, &l)
		}
	}
	sortLinks(out)
	return out, nil
}

// -----------------------
// Replay protection
// -----------------------

// MarkTokenUsed records key until expiresAt.
func (s *MemoryStorage) MarkTokenUsed(_ context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return fosite.ErrInvalidRequest.WithHint("token ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.usedTokens[key]; ok && time.Now().Before(exp) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, fosite.ErrJTIKnown)
	}
	s.usedTokens[key] = expiresAt
	return nil
}

// ReleaseToken forgets key.
func (s *MemoryStorage) ReleaseToken(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.usedTokens, key)
	return nil
}

// ValidateLink checks the fields every backend requires on a new link.
func ValidateLink(link *types.Link) error {
	if link == nil {
		return fosite.ErrInvalidRequest.WithHint("link cannot be nil")
	}
	if link.ProviderID == "" {
		return fosite.ErrInvalidRequest.WithHint("provider ID cannot be empty")
	}
	if link.Subject == "" {
		return fosite.ErrInvalidRequest.WithHint("subject cannot be empty")
	}
	if link.AccountID == "" {
		return fosite.ErrInvalidRequest.WithHint("account ID cannot be empty")
	}
	return nil
}

func sortLinks(links []*types.Link) {
	slices.SortFunc(links, func(a, b *types.Link) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
