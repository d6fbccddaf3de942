// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker wires the upstream provider engine into a single value.
//
// A Broker owns the storage backend, the discovery and key set caches and the
// outbound HTTP client. Callers plug in their own account system through
// link.SessionService and, for backchannel logout, backchannel.SessionTerminator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stacklok/toolhive-core/env"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/idpbroker/pkg/keys"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/networking"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/telemetry"
	"github.com/stacklok/idpbroker/pkg/upstream"
	"github.com/stacklok/idpbroker/pkg/upstream/backchannel"
	"github.com/stacklok/idpbroker/pkg/upstream/config"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/jwks"
	"github.com/stacklok/idpbroker/pkg/upstream/link"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// Broker completes logins against upstream identity providers.
type Broker struct {
	store       storage.Storage
	ownsStore   bool
	keyCache    *jwks.Cache
	registry    *upstream.Registry
	authorizer  *upstream.Authorizer
	exchanger   *upstream.Exchanger
	links       *link.Manager
	backchannel *backchannel.Handler
	keystore    *keys.Keystore
	gatherer    prometheus.Gatherer
}

// LoginResult is the outcome of CompleteLogin.
type LoginResult struct {
	*link.Outcome
	ProviderID string
	// RedirectTarget and Continuation are round-tripped from StartLogin.
	RedirectTarget string
	Continuation   types.Continuation
	Tokens         *upstream.Tokens
	// TokensStale is set when the access token expires too soon to call the provider with.
	TokensStale bool
}

type options struct {
	store          storage.Storage
	httpClient     *http.Client
	secrets        secrets.Service
	envReader      env.Reader
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
}

// Option configures a Broker.
type Option func(*options)

// WithStorage uses store instead of the backend named in the configuration.
// The caller keeps ownership and closes it.
func WithStorage(store storage.Storage) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithHTTPClient replaces the outbound client built from the configuration.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithSecretService replaces the envelope loaded from secret_key_file.
func WithSecretService(svc secrets.Service) Option {
	return func(o *options) {
		o.secrets = svc
	}
}

// WithEnvReader sets the reader for client_secret_env lookups.
func WithEnvReader(r env.Reader) Option {
	return func(o *options) {
		o.envReader = r
	}
}

// WithMetricsRegisterer enables Prometheus metrics on registerer.
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// WithTracerProvider traces with provider instead of the global otel provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = provider
	}
}

// New creates a Broker from cfg and imports the configured providers.
// sessions is required; terminator may be nil when no provider uses the
// logout_session backchannel action.
func New(
	ctx context.Context,
	cfg *config.Config,
	sessions link.SessionService,
	terminator backchannel.SessionTerminator,
	opts ...Option,
) (_ *Broker, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if sessions == nil {
		return nil, errors.New("session service is required")
	}

	o := &options{envReader: &env.OSReader{}}
	for _, opt := range opts {
		opt(o)
	}

	var metrics *telemetry.Metrics
	if o.registerer != nil {
		metrics = telemetry.NewMetricsWithRegistry(o.registerer)
	}
	tracer := telemetry.NewTracer()
	if o.tracerProvider != nil {
		tracer = telemetry.NewTracerWithProvider(o.tracerProvider)
	}

	if o.httpClient == nil {
		o.httpClient, err = networking.NewHttpClientBuilder().
			WithTimeout(cfg.HTTP.Timeout).
			WithCABundle(cfg.HTTP.CABundle).
			WithPrivateIPs(cfg.HTTP.AllowPrivateIPs).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
	}

	if o.secrets == nil && cfg.SecretKeyFile != "" {
		if o.secrets, err = LoadSecretService(cfg.SecretKeyFile); err != nil {
			return nil, err
		}
	}

	var keystore *keys.Keystore
	if len(cfg.SigningKeys) > 0 {
		if keystore, err = keys.LoadKeystore(cfg.SigningKeys); err != nil {
			return nil, fmt.Errorf("failed to load signing keys: %w", err)
		}
	}

	b := &Broker{store: o.store, keystore: keystore}
	if g, ok := o.registerer.(prometheus.Gatherer); ok {
		b.gatherer = g
	}
	if b.store == nil {
		if b.store, err = NewStorage(ctx, &cfg.Storage); err != nil {
			return nil, err
		}
		b.ownsStore = true
	}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	resolverOpts := []discovery.Option{
		discovery.WithTTL(cfg.Discovery.TTL),
		discovery.WithMaxEntries(cfg.Discovery.MaxEntries),
		discovery.WithStaleWait(cfg.Discovery.StaleWait),
		discovery.WithMetrics(metrics),
	}
	resolver := discovery.NewResolver(o.httpClient, resolverOpts...)

	cacheOpts := []jwks.Option{
		jwks.WithMaxEntries(cfg.JWKS.MaxEntries),
		jwks.WithMetrics(metrics),
	}
	if cfg.JWKS.MinRefreshInterval > 0 {
		cacheOpts = append(cacheOpts, jwks.WithMinRefreshInterval(cfg.JWKS.MinRefreshInterval))
	}
	if b.keyCache, err = jwks.NewCache(context.WithoutCancel(ctx), o.httpClient, cacheOpts...); err != nil {
		return nil, err
	}

	b.registry = upstream.NewRegistry(b.store, resolver, b.keyCache)

	b.authorizer, err = upstream.NewAuthorizer(upstream.AuthorizerConfig{
		CallbackBaseURL:        cfg.CallbackBaseURL,
		SessionTTL:             cfg.SessionTTL,
		PKCEAllowList:          cfg.PKCEAllowList,
		AllowedRedirectOrigins: cfg.AllowedRedirectOrigins,
	}, b.registry, resolver, b.store, upstream.WithAuthorizerTelemetry(metrics, tracer))
	if err != nil {
		return nil, err
	}

	verifier := upstream.NewTokenVerifier(b.keyCache, o.secrets)
	b.exchanger = upstream.NewExchanger(b.registry, resolver, b.store, verifier, o.secrets, o.httpClient,
		upstream.WithKeystore(keystore),
		upstream.WithExchangerTelemetry(metrics, tracer),
	)
	b.links = link.NewManager(b.store, sessions, link.WithMetrics(metrics))
	b.backchannel = backchannel.NewHandler(b.registry, resolver, verifier, b.links, b.store, terminator,
		backchannel.WithTelemetry(metrics, tracer))

	if err := ImportProviders(ctx, b.registry, cfg, o.secrets, o.envReader); err != nil {
		return nil, err
	}

	logger.Infow("upstream broker initialized",
		"providers", len(cfg.Providers),
		"storage", cfg.Storage.Type,
	)
	return b, nil
}

// LoadSecretService reads the envelope key at path.
func LoadSecretService(path string) (secrets.Service, error) {
	key, err := secrets.LoadKeyFile(path)
	if err != nil {
		return nil, err
	}
	envelope, err := secrets.NewEnvelope(key)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key file: %w", err)
	}
	return envelope, nil
}

// ImportProviders upserts every provider in cfg, sealing client secrets with
// svc. Providers marked disabled are disabled after the upsert.
func ImportProviders(
	ctx context.Context, registry *upstream.Registry, cfg *config.Config, svc secrets.Service, envReader env.Reader,
) error {
	providers, err := cfg.LoadProviders(svc, envReader)
	if err != nil {
		return err
	}
	for i, p := range providers {
		if _, err := registry.Upsert(ctx, p); err != nil {
			return fmt.Errorf("failed to import provider %s: %w", p.ID, err)
		}
		if cfg.Providers[i].Disabled {
			if err := registry.Disable(ctx, p.ID); err != nil {
				return fmt.Errorf("failed to disable provider %s: %w", p.ID, err)
			}
		}
	}
	return nil
}

// StartLogin builds the redirect to the provider and persists the authorization session.
func (b *Broker) StartLogin(ctx context.Context, req upstream.AuthorizationRequest) (*upstream.AuthorizationResult, error) {
	return b.authorizer.Authorize(ctx, req)
}

// CompleteLogin handles the provider callback: it redeems the code, imports
// the claims and resolves the identity against stored links.
func (b *Broker) CompleteLogin(ctx context.Context, req upstream.ExchangeRequest) (*LoginResult, error) {
	result, err := b.exchanger.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	providerID := result.Provider.ID
	intent := result.Session.Continuation.Intent
	local, err := b.links.LocalAttributes(ctx, providerID, result.Subject, intent)
	if err != nil {
		return nil, err
	}

	identity, err := upstream.ImportClaims(result.Claims, result.Provider.ClaimsImports, local)
	if err != nil {
		return nil, err
	}
	if identity.UpstreamSessionID == "" {
		identity.UpstreamSessionID = result.UpstreamSessionID
	}

	outcome, err := b.links.Resolve(ctx, link.ResolveRequest{
		ProviderID: providerID,
		Identity:   identity,
		Intent:     intent,
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Outcome:        outcome,
		ProviderID:     providerID,
		RedirectTarget: result.Session.RedirectTarget,
		Continuation:   result.Session.Continuation,
		Tokens:         result.Tokens,
		TokensStale:    result.Tokens.IsExpired(time.Now()),
	}, nil
}

// LinkAccount binds identity to accountID after a registration_required outcome.
func (b *Broker) LinkAccount(
	ctx context.Context, providerID string, identity *types.NormalizedIdentity, accountID string,
) (*types.Link, error) {
	return b.links.LinkAccount(ctx, providerID, identity, accountID)
}

// ListLinks returns the links of accountID.
func (b *Broker) ListLinks(ctx context.Context, accountID string) ([]*types.Link, error) {
	return b.links.ListLinks(ctx, accountID)
}

// BackchannelLogout handles a logout token posted by providerID.
func (b *Broker) BackchannelLogout(ctx context.Context, providerID, logoutToken string) error {
	return b.backchannel.Handle(ctx, providerID, logoutToken)
}

// Registry returns the provider registry.
func (b *Broker) Registry() *upstream.Registry {
	return b.registry
}

// Health checks the storage backend.
func (b *Broker) Health(ctx context.Context) error {
	return b.store.Health(ctx)
}

// Close stops background work and closes the storage it created.
func (b *Broker) Close() error {
	if b.keyCache != nil {
		b.keyCache.Close()
	}
	if b.ownsStore && b.store != nil {
		return b.store.Close()
	}
	return nil
}
