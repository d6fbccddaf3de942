// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backchannel validates OpenID Connect Back-Channel Logout tokens
// and applies the provider's logout policy.
package backchannel

import (
	"context"
	"errors"
	"fmt"
	"time"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

const (
	// maxTokenAge is how old a logout token's iat may be.
	maxTokenAge = 2 * time.Minute

	// clockSkew is tolerated on iat and exp.
	clockSkew = 60 * time.Second
)

// errInvalid is the only validation error callers see.
var errInvalid = brokererrors.NewError(brokererrors.TypeLogoutTokenInvalid, "logout token rejected", nil)

// LinkLookup finds the account linked to an upstream subject.
type LinkLookup interface {
	Lookup(ctx context.Context, providerID, subject string) (*types.Link, error)
}

// Handler processes logout tokens pushed by upstream providers.
type Handler struct {
	registry   *upstream.Registry
	resolver   upstream.EndpointResolver
	verifier   *upstream.TokenVerifier
	links      LinkLookup
	replay     storage.ReplayStorage
	terminator SessionTerminator
	retention  time.Duration
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	now        func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTelemetry sets metrics and tracing.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(h *Handler) {
		h.metrics = m
		h.tracer = t
	}
}

// WithReplayRetention sets how long token IDs are remembered.
func WithReplayRetention(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

// NewHandler creates a Handler. terminator may be nil when no provider uses
// the logout_session action.
func NewHandler(
	registry *upstream.Registry,
	resolver upstream.EndpointResolver,
	verifier *upstream.TokenVerifier,
	links LinkLookup,
	replay storage.ReplayStorage,
	terminator SessionTerminator,
	opts ...Option,
) *Handler {
	h := &Handler{
		registry:   registry,
		resolver:   resolver,
		verifier:   verifier,
		links:      links,
		replay:     replay,
		terminator: terminator,
		retention:  storage.DefaultReplayRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// logoutToken holds the validated claims of a logout token.
type logoutToken struct {
	subject   string
	sessionID string
	jti       string
}

// Handle validates logoutToken for providerID and applies the provider's
// backchannel logout action. Disabled providers are still served. Every
// rejection yields the same LogoutTokenInvalid error; details are logged.
func (h *Handler) Handle(ctx context.Context, providerID, logoutToken string) (err error) {
	ctx, end := h.tracer.Start(ctx, "upstream.backchannel_logout", telemetry.AttrProviderID.String(providerID))
	defer end(&err)

	outcome := telemetry.OutcomeFailure
	defer func() { h.metrics.ObserveBackchannel(providerID, outcome) }()

	p, err := h.registry.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, brokererrors.ErrProviderNotFound) {
			return h.reject(providerID, err)
		}
		return err
	}

	token, err := h.validate(ctx, p, logoutToken)
	if err != nil {
		if errors.Is(err, brokererrors.ErrDiscoveryFailure) {
			return err
		}
		return h.reject(providerID, err)
	}

	if err := h.markUsed(ctx, providerID, token.jti); err != nil {
		return err
	}

	ignored, err := h.apply(ctx, p, token)
	if err != nil {
		// Let the provider's retry of this token through.
		if releaseErr := h.replay.ReleaseToken(context.WithoutCancel(ctx), providerID+":"+token.jti); releaseErr != nil {
			logger.Warnw("failed to release logout token", "provider_id", providerID, "error", releaseErr)
		}
		return err
	}
	outcome = telemetry.OutcomeSuccess
	if ignored {
		outcome = telemetry.OutcomeIgnored
	}
	return nil
}

func (h *Handler) reject(providerID string, cause error) error {
	logger.Warnw("rejected backchannel logout token", "provider_id", providerID, "reason", cause.Error())
	return errInvalid
}

func (h *Handler) validate(ctx context.Context, p *types.Provider, raw string) (*logoutToken, error) {
	endpoints, err := h.resolver.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	verified, err := h.verifier.Verify(ctx, p, endpoints.JWKSURI, raw, p.IDTokenAlg())
	if err != nil {
		return nil, err
	}
	std := verified.Standard
	now := h.now()

	if std.Issuer == "" || std.Issuer != upstream.ExpectedIssuer(p, endpoints) {
		return nil, fmt.Errorf("issuer mismatch: %q", std.Issuer)
	}
	if !std.Audience.Contains(p.ClientID) {
		return nil, errors.New("audience does not contain the client id")
	}
	if std.IssuedAt == nil {
		return nil, errors.New("missing iat")
	}
	iat := std.IssuedAt.Time()
	if iat.Before(now.Add(-maxTokenAge-clockSkew)) || iat.After(now.Add(clockSkew)) {
		return nil, fmt.Errorf("iat %s outside the accepted window", iat.UTC().Format(time.RFC3339))
	}
	if std.Expiry != nil && !now.Before(std.Expiry.Time().Add(clockSkew)) {
		return nil, errors.New("token expired")
	}
	if std.ID == "" {
		return nil, errors.New("missing jti")
	}

	sid := verified.StringClaim("sid")
	if std.Subject == "" && sid == "" {
		return nil, errors.New("neither sub nor sid present")
	}
	if _, ok := verified.Claims["nonce"]; ok {
		return nil, errors.New("nonce is forbidden in logout tokens")
	}
	events, ok := verified.Claims["events"].(map[string]any)
	if !ok {
		return nil, errors.New("missing events claim")
	}
	if _, ok := events[oauth.BackchannelLogoutEvent].(map[string]any); !ok {
		return nil, errors.New("events claim lacks the backchannel logout event")
	}

	return &logoutToken{subject: std.Subject, sessionID: sid, jti: std.ID}, nil
}

// markUsed records the token ID, rejecting replays.
func (h *Handler) markUsed(ctx context.Context, providerID, jti string) error {
	err := h.replay.MarkTokenUsed(ctx, providerID+":"+jti, h.now().Add(h.retention))
	if errors.Is(err, storage.ErrAlreadyExists) {
		return h.reject(providerID, errors.New("replayed jti"))
	}
	if err != nil {
		return fmt.Errorf("failed to record logout token: %w", err)
	}
	return nil
}

// apply runs the provider's logout action. It reports whether the token was ignored.
func (h *Handler) apply(ctx context.Context, p *types.Provider, token *logoutToken) (bool, error) {
	switch p.OnBackchannelLogout {
	case types.BackchannelDoNothing:
		logger.Debugw("ignoring backchannel logout", "provider_id", p.ID)
		return true, nil

	case types.BackchannelLogOnly:
		logger.Infow("received backchannel logout",
			"provider_id", p.ID,
			"has_sub", token.subject != "",
			"has_sid", token.sessionID != "",
		)
		return true, nil

	case types.BackchannelLogoutSession:
		return false, h.terminate(ctx, p, token)

	default:
		return false, brokererrors.NewConfigurationError(
			fmt.Sprintf("unknown backchannel logout action %q", p.OnBackchannelLogout), nil)
	}
}

func (h *Handler) terminate(ctx context.Context, p *types.Provider, token *logoutToken) error {
	if h.terminator == nil {
		return brokererrors.NewConfigurationError("no session terminator configured", nil)
	}

	req := TerminationRequest{ProviderID: p.ID, UpstreamSessionID: token.sessionID}
	if token.subject != "" {
		link, err := h.links.Lookup(ctx, p.ID, token.subject)
		if err != nil {
			return err
		}
		if link != nil {
			req.AccountID = link.AccountID
		}
	}
	if req.AccountID == "" && req.UpstreamSessionID == "" {
		logger.Infow("backchannel logout for an unlinked subject", "provider_id", p.ID)
		return nil
	}

	n, err := h.terminator.TerminateSessions(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to terminate sessions: %w", err)
	}
	logger.Infow("terminated sessions after backchannel logout",
		"provider_id", p.ID,
		"account_id", req.AccountID,
		"sessions", n,
	)
	return nil
}
