// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	wrapper *DB
	db      *sql.DB

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
	closeErr        error
}

var _ storage.Storage = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCleanupInterval sets how often expired sessions and token IDs are deleted.
func WithCleanupInterval(interval time.Duration) StoreOption {
	return func(s *Store) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewStore creates a new SQLite-backed Store and starts its cleanup loop.
func NewStore(db *DB, opts ...StoreOption) *Store {
	s := &Store{
		wrapper:         db,
		db:              db.DB(),
		cleanupInterval: storage.DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the cleanup loop and closes the underlying database connection.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		s.closeErr = s.wrapper.Close()
	})
	return s.closeErr
}

func (s *Store) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cleanupInterval)
			n, err := s.DeleteExpiredSessions(ctx, time.Now())
			cancel()
			if err != nil {
				logger.Warnw("sqlite cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("deleted expired authorization sessions", "count", n)
			}
		}
	}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// -----------------------
// Providers
// -----------------------

func scanProvider(row interface{ Scan(...any) error }) (*types.Provider, error) {
	var (
		config     string
		createdAt  int64
		disabledAt sql.NullInt64
	)
	if err := row.Scan(&config, &createdAt, &disabledAt); err != nil {
		return nil, err
	}

	var p types.Provider
	if err := json.Unmarshal([]byte(config), &p); err != nil {
		return nil, fmt.Errorf("decoding provider: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.DisabledAt = nullableTime(disabledAt)
	return &p, nil
}

// GetProvider returns the provider with the given ID.
func (s *Store) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT config, created_at, disabled_at FROM upstream_providers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return p, nil
}

// ListProviders returns providers ordered by ID.
func (s *Store) ListProviders(ctx context.Context, includeDisabled bool) ([]*types.Provider, error) {
	query := `SELECT config, created_at, disabled_at FROM upstream_providers`
	if !includeDisabled {
		query += ` WHERE disabled_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*types.Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating providers: %w", err)
	}
	return out, nil
}

// UpsertProvider inserts or replaces a provider and clears its disabled state.
func (s *Store) UpsertProvider(ctx context.Context, provider *types.Provider) (time.Time, error) {
	if provider == nil {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider cannot be nil")
	}
	if provider.ID == "" {
		return time.Time{}, fosite.ErrInvalidRequest.WithHint("provider ID cannot be empty")
	}

	stored := provider.Clone()
	stored.DisabledAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	config, err := json.Marshal(stored)
	if err != nil {
		return time.Time{}, fmt.Errorf("encoding provider: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var createdAt int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO upstream_providers (id, config, created_at, disabled_at)
		 VALUES (?, ?, ?, NULL)
		 ON CONFLICT (id) DO UPDATE SET config = excluded.config, disabled_at = NULL
		 RETURNING created_at`,
		stored.ID, string(config), toMillis(stored.CreatedAt),
	).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("upserting provider: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("committing transaction: %w", err)
	}
	return fromMillis(createdAt), nil
}

// DisableProvider marks a provider as disabled.
func (s *Store) DisableProvider(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upstream_providers SET disabled_at = COALESCE(disabled_at, ?) WHERE id = ?`,
		toMillis(at), id)
	if err != nil {
		return fmt.Errorf("disabling provider: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Upstream provider not found"))
	}
	return nil
}

// -----------------------
// Authorization sessions
// -----------------------

// CreateAuthorizationSession stores a new session keyed by its state.
func (s *Store) CreateAuthorizationSession(ctx context.Context, session *types.AuthorizationSession) error {
	if session == nil {
		return fosite.ErrInvalidRequest.WithHint("authorization session cannot be nil")
	}
	if session.State == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}

	continuation, err := json.Marshal(session.Continuation)
	if err != nil {
		return fmt.Errorf("encoding continuation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authorization_sessions
		 (state, id, provider_id, nonce, code_verifier, redirect_target, redirect_uri, continuation, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.State, session.ID, session.ProviderID, session.Nonce, session.CodeVerifier,
		session.RedirectTarget, session.RedirectURI, string(continuation),
		toMillis(session.CreatedAt), toMillis(session.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: state already in use", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization session: %w", err)
	}
	return nil
}

// CompleteAuthorizationSession atomically consumes the session for state.
// The conditional UPDATE is the single point of serialization: only the
// caller whose statement changed the row succeeds.
func (s *Store) CompleteAuthorizationSession(
	ctx context.Context, state string, now time.Time,
) (*types.AuthorizationSession, error) {
	nowMillis := toMillis(now)

	res, err := s.db.ExecContext(ctx,
		`UPDATE authorization_sessions SET completed_at = ?
		 WHERE state = ? AND completed_at IS NULL AND expires_at > ?`,
		nowMillis, state, nowMillis)
	if err != nil {
		return nil, fmt.Errorf("completing authorization session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}

	session, err := s.loadSession(ctx, state)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return session, nil
	}
	if session.Completed() {
		return nil, storage.ErrAlreadyCompleted
	}
	return nil, storage.ErrExpired
}

func (s *Store) loadSession(ctx context.Context, state string) (*types.AuthorizationSession, error) {
	var (
		session      types.AuthorizationSession
		continuation string
		createdAt    int64
		expiresAt    int64
		completedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, state, nonce, code_verifier, redirect_target, redirect_uri,
		        continuation, created_at, expires_at, completed_at
		 FROM authorization_sessions WHERE state = ?`, state,
	).Scan(&session.ID, &session.ProviderID, &session.State, &session.Nonce, &session.CodeVerifier,
		&session.RedirectTarget, &session.RedirectURI, &continuation, &createdAt, &expiresAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Authorization session not found"))
	}
	if err != nil {
		return nil, fmt.Errorf("querying authorization session: %w", err)
	}

	if err := json.Unmarshal([]byte(continuation), &session.Continuation); err != nil {
		return nil, fmt.Errorf("decoding continuation: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	session.CompletedAt = nullableTime(completedAt)
	return &session, nil
}

// DeleteExpiredSessions removes sessions that expired before cutoff and
// forgets token IDs whose retention ended before cutoff.
func (s *Store) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM authorization_sessions WHERE expires_at <= ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM used_token_ids WHERE expires_at <= ?`, toMillis(cutoff)); err != nil {
		return 0, fmt.Errorf("deleting expired token IDs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------
// Links
// -----------------------

// CreateLink stores a link unless (provider, subject) is already linked.
func (s *Store) CreateLink(ctx context.Context, link *types.Link) error {
	if err := storage.ValidateLink(link); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upstream_links (id, provider_id, subject, account_id, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.ID, link.ProviderID, link.Subject, link.AccountID, link.Label, toMillis(link.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: upstream subject already linked", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting link: %w", err)
	}
	return nil
}

const linkColumns = `id, provider_id, subject, account_id, label, created_at`

func scanLink(row interface{ Scan(...any) error }) (*types.Link, error) {
	var (
		link      types.Link
		createdAt int64
	)
	if err := row.Scan(&link.ID, &link.ProviderID, &link.Subject, &link.AccountID, &link.Label, &createdAt); err != nil {
		return nil, err
	}
	link.CreatedAt = fromMillis(createdAt)
	return &link, nil
}

// GetLink returns the link for (provider, subject).
func (s *Store) GetLink(ctx context.Context, providerID, subject string) (*types.Link, error) {
	link, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM upstream_links WHERE provider_id = ? AND subject = ?`,
		providerID, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: upstream link not found", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying link: %w", err)
	}
	return link, nil
}

// ListAccountLinks returns the links of an account ordered by creation time.
func (s *Store) ListAccountLinks(ctx context.Context, accountID string) ([]*types.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM upstream_links WHERE account_id = ? ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating links: %w", err)
	}
	return out, nil
}

// -----------------------
// Replay protection
// -----------------------

// MarkTokenUsed records key until expiresAt. An expired record is replaced.
func (s *Store) MarkTokenUsed(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return fosite.ErrInvalidRequest.WithHint("token ID cannot be empty")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO used_token_ids (token_key, expires_at) VALUES (?, ?)
		 ON CONFLICT (token_key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE used_token_ids.expires_at <= ?`,
		key, toMillis(expiresAt), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("recording token ID: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %w", storage.ErrAlreadyExists, fosite.ErrJTIKnown)
	}
	return nil
}

// ReleaseToken forgets key.
func (s *Store) ReleaseToken(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM used_token_ids WHERE token_key = ?`, key); err != nil {
		return fmt.Errorf("releasing token ID: %w", err)
	}
	return nil
}
