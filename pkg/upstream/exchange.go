// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/keys"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// ExchangeRequest carries the parameters of a provider callback.
type ExchangeRequest struct {
	// ProviderID is taken from the callback path. When set it must match
	// the provider the state was issued for.
	ProviderID string
	State      string
	Code       string
	// Error and ErrorDescription are set when the provider returned an error.
	Error            string
	ErrorDescription string
}

// ExchangeResult is a completed upstream login.
type ExchangeResult struct {
	Session  *types.AuthorizationSession
	Provider *types.Provider
	// Claims are the validated ID token claims merged with userinfo claims.
	Claims            map[string]any
	Subject           string
	UpstreamSessionID string
	Tokens            *Tokens
}

// Exchanger completes authorizations: it consumes the session, redeems the
// code and validates everything the provider returns.
type Exchanger struct {
	registry   *Registry
	resolver   EndpointResolver
	sessions   storage.AuthorizationSessionStorage
	verifier   *TokenVerifier
	secrets    secrets.Service
	keystore   *keys.Keystore
	httpClient *http.Client
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	now        func() time.Time
}

// ExchangerOption configures an Exchanger.
type ExchangerOption func(*Exchanger)

// WithKeystore sets the keys used for private_key_jwt client authentication.
func WithKeystore(ks *keys.Keystore) ExchangerOption {
	return func(e *Exchanger) {
		e.keystore = ks
	}
}

// WithExchangerTelemetry sets metrics and tracing.
func WithExchangerTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) ExchangerOption {
	return func(e *Exchanger) {
		e.metrics = m
		e.tracer = t
	}
}

// NewExchanger creates an Exchanger. httpClient is used for token and
// userinfo requests.
func NewExchanger(
	registry *Registry,
	resolver EndpointResolver,
	sessions storage.AuthorizationSessionStorage,
	verifier *TokenVerifier,
	secretService secrets.Service,
	httpClient *http.Client,
	opts ...ExchangerOption,
) *Exchanger {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	e := &Exchanger{
		registry:   registry,
		resolver:   resolver,
		sessions:   sessions,
		verifier:   verifier,
		secrets:    secretService,
		httpClient: httpClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exchange completes the authorization identified by req.State. The session
// is consumed before any network call, so a state can be used only once even
// when the exchange later fails.
func (e *Exchanger) Exchange(ctx context.Context, req ExchangeRequest) (_ *ExchangeResult, err error) {
	ctx, end := e.tracer.Start(ctx, "upstream.exchange", telemetry.AttrProviderID.String(req.ProviderID))
	defer end(&err)
	providerID := req.ProviderID
	defer func() {
		var errorType string
		if err != nil {
			if errorType = brokererrors.TypeOf(err); errorType == "" {
				errorType = "internal"
			}
		}
		e.metrics.ObserveExchange(providerID, errorType)
	}()

	session, err := e.consumeSession(ctx, req)
	if err != nil {
		return nil, err
	}
	providerID = session.ProviderID

	if req.Error != "" {
		logger.Warnw("upstream provider returned an authorization error",
			"provider_id", session.ProviderID,
			"error", req.Error,
			"error_description", req.ErrorDescription,
		)
		return nil, brokererrors.NewExchangeError(fmt.Sprintf("provider returned error %q", req.Error), nil)
	}
	if req.Code == "" {
		return nil, brokererrors.NewExchangeError("authorization code is missing", nil)
	}

	provider, err := e.registry.GetEnabled(ctx, session.ProviderID)
	if err != nil {
		return nil, err
	}
	endpoints, err := e.resolver.Resolve(ctx, provider)
	if err != nil {
		return nil, err
	}

	tokens, idToken, err := e.redeemCode(ctx, provider, endpoints, session, req.Code)
	if err != nil {
		return nil, err
	}

	claims := make(map[string]any)
	var subject string
	if provider.IsOpenID() {
		if idToken == "" {
			return nil, brokererrors.NewClaimValidationError("token response has no id_token", nil)
		}
		verified, err := e.verifyIDToken(ctx, provider, endpoints, idToken, session.Nonce)
		if err != nil {
			return nil, err
		}
		claims = verified.Claims
		subject = verified.Standard.Subject
	}

	if provider.FetchUserinfo {
		userinfo, err := e.fetchUserinfo(ctx, provider, endpoints, tokens.AccessToken, subject)
		if err != nil {
			return nil, err
		}
		for k, v := range userinfo {
			if provider.IsOpenID() && idTokenOnlyClaims[k] {
				continue
			}
			claims[k] = v
		}
		if subject == "" {
			subject, _ = userinfo["sub"].(string)
		}
	}

	if subject == "" {
		return nil, brokererrors.NewClaimValidationError("no subject in id_token or userinfo", nil)
	}
	sid, _ := claims["sid"].(string)

	logger.Infow("upstream login completed",
		"provider_id", provider.ID,
		"session_id", session.ID,
		"has_refresh_token", tokens.RefreshToken != "",
	)

	return &ExchangeResult{
		Session:           session,
		Provider:          provider,
		Claims:            claims,
		Subject:           subject,
		UpstreamSessionID: sid,
		Tokens:            tokens,
	}, nil
}

// idTokenOnlyClaims are taken from the verified ID token and never from
// userinfo. sub is compared separately by fetchUserinfo.
var idTokenOnlyClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "iat": true, "nbf": true,
	"jti": true, "nonce": true, "azp": true, "auth_time": true, "acr": true,
	"amr": true, "at_hash": true, "c_hash": true, "sid": true,
}

// consumeSession atomically completes the session for req.State.
func (e *Exchanger) consumeSession(ctx context.Context, req ExchangeRequest) (*types.AuthorizationSession, error) {
	if req.State == "" {
		return nil, brokererrors.NewError(brokererrors.TypeSessionNotFound, "state is missing", nil)
	}

	session, err := e.sessions.CompleteAuthorizationSession(ctx, req.State, e.now().UTC())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil, brokererrors.NewError(brokererrors.TypeSessionNotFound, "unknown state", nil)
	case errors.Is(err, storage.ErrAlreadyCompleted), errors.Is(err, storage.ErrExpired):
		return nil, brokererrors.NewError(brokererrors.TypeSessionExpiredOrUsed, "authorization session is no longer valid", err)
	default:
		return nil, fmt.Errorf("failed to complete authorization session: %w", err)
	}

	if req.ProviderID != "" && session.ProviderID != req.ProviderID {
		logger.Warnw("callback provider does not match authorization session",
			"provider_id", req.ProviderID,
			"session_provider_id", session.ProviderID,
		)
		return nil, brokererrors.NewError(brokererrors.TypeStateMismatch, "state was issued for a different provider", nil)
	}
	return session, nil
}

// redeemCode calls the token endpoint and returns the tokens and raw ID token.
func (e *Exchanger) redeemCode(
	ctx context.Context,
	p *types.Provider,
	endpoints *discovery.Endpoints,
	session *types.AuthorizationSession,
	code string,
) (*Tokens, string, error) {
	if endpoints.TokenEndpoint == "" {
		return nil, "", brokererrors.NewConfigurationError(fmt.Sprintf("provider %q has no token endpoint", p.ID), nil)
	}

	auth, err := e.authenticateClient(p, endpoints.TokenEndpoint)
	if err != nil {
		return nil, "", err
	}

	cfg := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: auth.secret,
		RedirectURL:  session.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoints.AuthorizationEndpoint,
			TokenURL:  endpoints.TokenEndpoint,
			AuthStyle: auth.style,
		},
	}
	opts := auth.opts
	if session.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(session.CodeVerifier))
	}

	logger.Debugw("exchanging authorization code",
		"provider_id", p.ID,
		"token_endpoint_auth_method", p.TokenEndpointAuthMethod,
		"has_pkce_verifier", session.CodeVerifier != "",
	)

	token, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, e.httpClient), code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			logger.Warnw("token endpoint rejected the authorization code",
				"provider_id", p.ID,
				"status", status,
				"error", retrieveErr.ErrorCode,
				"error_description", retrieveErr.ErrorDescription,
			)
		}
		return nil, "", brokererrors.NewExchangeError("token request failed", err)
	}

	idToken, _ := token.Extra("id_token").(string)
	return &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
	}, idToken, nil
}

func (e *Exchanger) verifyIDToken(
	ctx context.Context, p *types.Provider, endpoints *discovery.Endpoints, raw, nonce string,
) (*VerifiedToken, error) {
	verified, err := e.verifier.Verify(ctx, p, endpoints.JWKSURI, raw, p.IDTokenAlg())
	if err != nil {
		return nil, err
	}
	if err := validateIDTokenClaims(verified, idTokenExpectations{
		issuer:   ExpectedIssuer(p, endpoints),
		clientID: p.ClientID,
		nonce:    nonce,
		now:      e.now(),
	}); err != nil {
		return nil, err
	}
	return verified, nil
}

// ExpectedIssuer is the configured issuer, or the discovered one when unset.
func ExpectedIssuer(p *types.Provider, endpoints *discovery.Endpoints) string {
	if p.Issuer != "" {
		return p.Issuer
	}
	return endpoints.Issuer
}
