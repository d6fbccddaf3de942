// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// randomTokenBytes is the entropy of state and nonce values (256 bits).
const randomTokenBytes = 32

// EndpointResolver resolves the effective endpoints of a provider.
type EndpointResolver interface {
	Resolve(ctx context.Context, p *types.Provider) (*discovery.Endpoints, error)
}

// AuthorizationRequest asks for a redirect to an upstream provider.
type AuthorizationRequest struct {
	ProviderID string
	// RedirectTarget is where the user returns after the whole flow.
	RedirectTarget string
	// LoginHint is forwarded when the provider allows it.
	LoginHint    string
	Continuation types.Continuation
}

// AuthorizationResult is the outcome of Authorize.
type AuthorizationResult struct {
	RedirectURL string
	SessionID   string
	State       string
	ExpiresAt   time.Time
}

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	// CallbackBaseURL is the broker URL under which provider callbacks are
	// served. The redirect_uri of a provider is CallbackBaseURL + "/" + ID.
	CallbackBaseURL string
	// SessionTTL defaults to types.DefaultAuthorizationSessionTTL.
	SessionTTL time.Duration
	// PKCEAllowList lists providers that get PKCE in "auto" mode even when
	// their metadata does not advertise it.
	PKCEAllowList []string
	// AllowedRedirectOrigins lists the origins (scheme://host[:port]) an
	// absolute RedirectTarget may point at. Relative paths are always allowed.
	AllowedRedirectOrigins []string
}

// Authorizer builds authorization requests and persists their sessions.
type Authorizer struct {
	config   AuthorizerConfig
	registry *Registry
	resolver EndpointResolver
	sessions storage.AuthorizationSessionStorage
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithAuthorizerTelemetry sets metrics and tracing.
func WithAuthorizerTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) AuthorizerOption {
	return func(a *Authorizer) {
		a.metrics = m
		a.tracer = t
	}
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(
	config AuthorizerConfig,
	registry *Registry,
	resolver EndpointResolver,
	sessions storage.AuthorizationSessionStorage,
	opts ...AuthorizerOption,
) (*Authorizer, error) {
	if err := validateCallbackBaseURL(config.CallbackBaseURL); err != nil {
		return nil, brokererrors.NewConfigurationError("invalid callback base URL", err)
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = types.DefaultAuthorizationSessionTTL
	}
	a := &Authorizer{
		config:   config,
		registry: registry,
		resolver: resolver,
		sessions: sessions,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authorize builds the provider redirect URL for req and persists the
// authorization session. Persisting the session is the only side effect.
func (a *Authorizer) Authorize(ctx context.Context, req AuthorizationRequest) (_ *AuthorizationResult, err error) {
	ctx, end := a.tracer.Start(ctx, "upstream.authorize", telemetry.AttrProviderID.String(req.ProviderID))
	defer end(&err)
	defer func() {
		outcome := telemetry.OutcomeSuccess
		if err != nil {
			outcome = telemetry.OutcomeFailure
		}
		a.metrics.ObserveAuthorization(req.ProviderID, outcome)
	}()

	if err := validateRedirectTarget(req.RedirectTarget, a.config.AllowedRedirectOrigins); err != nil {
		return nil, brokererrors.NewInvalidRequestError("redirect target is not allowed", err)
	}

	provider, err := a.registry.GetEnabled(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	endpoints, err := a.resolver.Resolve(ctx, provider)
	if err != nil {
		return nil, err
	}
	if endpoints.AuthorizationEndpoint == "" {
		return nil, brokererrors.NewConfigurationError(
			fmt.Sprintf("provider %q has no authorization endpoint", provider.ID), nil)
	}

	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	var nonce string
	if provider.IsOpenID() {
		if nonce, err = randomToken(); err != nil {
			return nil, err
		}
	}
	var verifier, challenge string
	if usePKCE(provider, endpoints, a.config.PKCEAllowList) {
		verifier = oauth2.GenerateVerifier()
		challenge = oauth2.S256ChallengeFromVerifier(verifier)
	}

	now := a.now().UTC()
	session := &types.AuthorizationSession{
		ID:             uuid.NewString(),
		ProviderID:     provider.ID,
		State:          state,
		Nonce:          nonce,
		CodeVerifier:   verifier,
		RedirectTarget: req.RedirectTarget,
		RedirectURI:    a.RedirectURI(provider.ID),
		Continuation:   req.Continuation,
		CreatedAt:      now,
		ExpiresAt:      now.Add(a.config.SessionTTL),
	}

	redirectURL, err := buildAuthorizationURL(endpoints.AuthorizationEndpoint,
		authorizationParams(provider, session, challenge, req.LoginHint))
	if err != nil {
		return nil, brokererrors.NewConfigurationError("invalid authorization endpoint", err)
	}

	if err := a.sessions.CreateAuthorizationSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store authorization session: %w", err)
	}

	logger.Debugw("built upstream authorization request",
		"provider_id", provider.ID,
		"session_id", session.ID,
		"has_pkce", verifier != "",
		"has_nonce", nonce != "",
	)

	return &AuthorizationResult{
		RedirectURL: redirectURL,
		SessionID:   session.ID,
		State:       state,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// RedirectURI returns the callback URI registered for a provider.
func (a *Authorizer) RedirectURI(providerID string) string {
	return strings.TrimSuffix(a.config.CallbackBaseURL, "/") + "/" + url.PathEscape(providerID)
}

// authorizationParams returns the query parameters in their wire order.
func authorizationParams(
	p *types.Provider, session *types.AuthorizationSession, challenge, loginHint string,
) []types.Parameter {
	params := []types.Parameter{
		{Key: oauth.ParamResponseType, Value: oauth.ResponseTypeCode},
		{Key: oauth.ParamClientID, Value: p.ClientID},
		{Key: oauth.ParamRedirectURI, Value: session.RedirectURI},
		{Key: oauth.ParamScope, Value: strings.Join(p.Scopes(), " ")},
		{Key: oauth.ParamState, Value: session.State},
	}
	if session.Nonce != "" {
		params = append(params, types.Parameter{Key: oauth.ParamNonce, Value: session.Nonce})
	}
	if challenge != "" {
		params = append(params,
			types.Parameter{Key: oauth.ParamCodeChallenge, Value: challenge},
			types.Parameter{Key: oauth.ParamCodeChallengeMethod, Value: oauth.PKCEMethodS256},
		)
	}
	if p.ResponseMode != types.ResponseModeDefault {
		params = append(params, types.Parameter{Key: oauth.ParamResponseMode, Value: string(p.ResponseMode)})
	}
	if p.ForwardLoginHint && loginHint != "" {
		params = append(params, types.Parameter{Key: oauth.ParamLoginHint, Value: loginHint})
	}
	for _, extra := range p.AdditionalAuthorizationParameters {
		if slices.Contains(oauth.ReservedAuthorizationParams, extra.Key) {
			logger.Warnw("ignoring additional authorization parameter that collides with a reserved one",
				"provider_id", p.ID,
				"parameter", extra.Key,
			)
			continue
		}
		params = append(params, extra)
	}
	return params
}

// buildAuthorizationURL appends params in order to endpoint, keeping any
// query the endpoint already has.
func buildAuthorizationURL(endpoint string, params []types.Parameter) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(u.RawQuery)
	for _, p := range params {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	u.RawQuery = b.String()
	return u.String(), nil
}

func usePKCE(p *types.Provider, endpoints *discovery.Endpoints, allowList []string) bool {
	switch p.PKCEMode {
	case types.PKCEAlways:
		return true
	case types.PKCENever:
		return false
	case types.PKCEAuto:
		return endpoints.SupportsPKCE() || slices.Contains(allowList, p.ID)
	default:
		return false
	}
}

// randomToken returns 256 random bits, base64url encoded without padding.
func randomToken() (string, error) {
	b := make([]byte, randomTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validateRedirectTarget accepts an empty target, a path on this host or an
// absolute URL on an allowed origin.
func validateRedirectTarget(target string, allowedOrigins []string) error {
	if target == "" {
		return nil
	}
	if strings.ContainsAny(target, "\\\r\n\t") {
		return fmt.Errorf("redirect target %q contains forbidden characters", target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return err
	}
	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
			return fmt.Errorf("redirect target %q must be an absolute path", target)
		}
		return nil
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("redirect target scheme %q is not allowed", u.Scheme)
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, allowed := range allowedOrigins {
		if strings.ToLower(strings.TrimSuffix(allowed, "/")) == origin {
			return nil
		}
	}
	return fmt.Errorf("redirect target origin %q is not allowed", origin)
}

func validateCallbackBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("callback base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("callback base URL %q must be absolute", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("callback base URL %q must not have a query or fragment", raw)
	}
	return nil
}
