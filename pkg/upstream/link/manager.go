// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package link binds upstream identities to local accounts and decides what
// a completed upstream login means: a login, a new link, or a registration.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// ErrNotLoggedIn is returned when a link is requested without a local session.
var ErrNotLoggedIn = errors.New("linking requires a logged in account")

// OutcomeKind is the result of resolving an upstream identity.
type OutcomeKind string

const (
	// OutcomeLoggedIn means a linked account was found and a session created.
	OutcomeLoggedIn OutcomeKind = "logged_in"
	// OutcomeLinked means the identity is now linked to the current account.
	OutcomeLinked OutcomeKind = "linked"
	// OutcomeRegistrationRequired means no account is linked yet.
	OutcomeRegistrationRequired OutcomeKind = "registration_required"
)

// ResolveRequest asks what to do with an imported upstream identity.
type ResolveRequest struct {
	ProviderID string
	Identity   *types.NormalizedIdentity
	Intent     types.Intent
}

// Outcome is the result of Resolve.
type Outcome struct {
	Kind OutcomeKind
	// Link is nil for OutcomeRegistrationRequired.
	Link      *types.Link
	AccountID string
	// SessionID is set for OutcomeLoggedIn.
	SessionID string
	Identity  *types.NormalizedIdentity
}

// Manager resolves upstream identities against stored links.
type Manager struct {
	links    storage.LinkStorage
	sessions SessionService
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records link outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a Manager.
func NewManager(links storage.LinkStorage, sessions SessionService, opts ...Option) *Manager {
	m := &Manager{
		links:    links,
		sessions: sessions,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resolve decides what a completed upstream login means. An existing link
// logs its account in. Intent link binds the identity to the caller's
// account. Anything else requires registration; no account is created here.
func (m *Manager) Resolve(ctx context.Context, req ResolveRequest) (_ *Outcome, err error) {
	defer func() {
		if err != nil {
			m.metrics.ObserveLink(req.ProviderID, telemetry.OutcomeFailure)
		}
	}()

	if req.Identity == nil || req.Identity.Subject == "" {
		return nil, brokererrors.NewClaimValidationError("identity has no subject", nil)
	}

	existing, err := m.Lookup(ctx, req.ProviderID, req.Identity.Subject)
	if err != nil {
		return nil, err
	}

	var outcome *Outcome
	switch req.Intent {
	case types.IntentLink:
		outcome, err = m.linkCurrentAccount(ctx, req, existing)
	case types.IntentLogin, types.IntentRegister, "":
		if existing == nil {
			outcome = &Outcome{Kind: OutcomeRegistrationRequired, Identity: req.Identity}
			break
		}
		outcome, err = m.login(ctx, req, existing)
	default:
		return nil, brokererrors.NewConfigurationError(fmt.Sprintf("unknown intent %q", req.Intent), nil)
	}
	if err != nil {
		return nil, err
	}

	m.metrics.ObserveLink(req.ProviderID, string(outcome.Kind))
	logger.Infow("resolved upstream identity",
		"provider_id", req.ProviderID,
		"outcome", outcome.Kind,
		"account_id", outcome.AccountID,
	)
	return outcome, nil
}

func (m *Manager) login(ctx context.Context, req ResolveRequest, existing *types.Link) (*Outcome, error) {
	sessionID, err := m.sessions.CreateSession(ctx, existing.AccountID, SessionInfo{
		ProviderID:        req.ProviderID,
		Subject:           req.Identity.Subject,
		UpstreamSessionID: req.Identity.UpstreamSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Outcome{
		Kind:      OutcomeLoggedIn,
		Link:      existing,
		AccountID: existing.AccountID,
		SessionID: sessionID,
		Identity:  req.Identity,
	}, nil
}

func (m *Manager) linkCurrentAccount(ctx context.Context, req ResolveRequest, existing *types.Link) (*Outcome, error) {
	accountID, err := m.sessions.CurrentAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current account: %w", err)
	}
	if accountID == "" {
		return nil, ErrNotLoggedIn
	}

	l := existing
	if l == nil {
		if l, err = m.LinkAccount(ctx, req.ProviderID, req.Identity, accountID); err != nil {
			return nil, err
		}
	} else if l.AccountID != accountID {
		return nil, alreadyLinkedElsewhere(req.ProviderID)
	}
	return &Outcome{Kind: OutcomeLinked, Link: l, AccountID: accountID, Identity: req.Identity}, nil
}

// LinkAccount binds identity to accountID, typically after the downstream
// registration created the account. Linking the same subject to the same
// account again succeeds and returns the existing link.
func (m *Manager) LinkAccount(
	ctx context.Context, providerID string, identity *types.NormalizedIdentity, accountID string,
) (*types.Link, error) {
	if identity == nil || identity.Subject == "" {
		return nil, brokererrors.NewClaimValidationError("identity has no subject", nil)
	}
	if accountID == "" {
		return nil, errors.New("account ID is required")
	}

	l := &types.Link{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		Subject:    identity.Subject,
		AccountID:  accountID,
		Label:      identity.Label(),
		CreatedAt:  m.now().UTC(),
	}
	err := m.links.CreateLink(ctx, l)
	if err == nil {
		logger.Infow("linked upstream identity", "provider_id", providerID, "account_id", accountID)
		return l, nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	existing, err := m.links.GetLink(ctx, providerID, identity.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicting link: %w", err)
	}
	if existing.AccountID != accountID {
		return nil, alreadyLinkedElsewhere(providerID)
	}
	return existing, nil
}

// Lookup returns the link for (providerID, subject), or nil when none exists.
func (m *Manager) Lookup(ctx context.Context, providerID, subject string) (*types.Link, error) {
	l, err := m.links.GetLink(ctx, providerID, subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read link: %w", err)
	}
	return l, nil
}

// ListLinks returns the links of an account ordered by creation time.
func (m *Manager) ListLinks(ctx context.Context, accountID string) ([]*types.Link, error) {
	links, err := m.links.ListAccountLinks(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

// LocalAttributes returns the attributes of the account an upstream login
// will land on, for use as the local side of a claims import. It returns nil
// when no account is known yet.
func (m *Manager) LocalAttributes(
	ctx context.Context, providerID, subject string, intent types.Intent,
) (map[string]string, error) {
	var accountID string
	if intent == types.IntentLink {
		current, err := m.sessions.CurrentAccount(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read current account: %w", err)
		}
		accountID = current
	} else {
		l, err := m.Lookup(ctx, providerID, subject)
		if err != nil {
			return nil, err
		}
		if l != nil {
			accountID = l.AccountID
		}
	}
	if accountID == "" {
		return nil, nil
	}

	attrs, err := m.sessions.AccountAttributes(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read account attributes: %w", err)
	}
	return attrs, nil
}

func alreadyLinkedElsewhere(providerID string) error {
	return brokererrors.NewError(brokererrors.TypeAlreadyLinkedElsewhere,
		fmt.Sprintf("upstream identity at %q is linked to another account", providerID), nil)
}
