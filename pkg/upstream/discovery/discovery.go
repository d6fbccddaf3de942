// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery resolves the effective endpoints of an upstream provider
// from OpenID Connect discovery metadata and per-provider overrides, with a
// bounded process-wide cache.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/networking"
	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// Endpoints are the effective endpoints of a provider after overrides.
type Endpoints struct {
	// Issuer is the configured issuer, or the discovered one when unset.
	Issuer                        string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	UserinfoEndpoint              string
	JWKSURI                       string
	CodeChallengeMethodsSupported []string
	// Discovered is false when discovery is disabled for the provider.
	Discovered bool
	FetchedAt  time.Time
}

// SupportsPKCE reports whether the provider advertises S256.
func (e *Endpoints) SupportsPKCE() bool {
	return e != nil && slices.Contains(e.CodeChallengeMethodsSupported, oauth.PKCEMethodS256)
}

// fromOverrides builds endpoints for discovery mode "disabled".
func fromOverrides(p *types.Provider, now time.Time) *Endpoints {
	return &Endpoints{
		Issuer:                p.Issuer,
		AuthorizationEndpoint: p.AuthorizationEndpoint,
		TokenEndpoint:         p.TokenEndpoint,
		UserinfoEndpoint:      p.UserinfoEndpoint,
		JWKSURI:               p.JWKSURI,
		FetchedAt:             now,
	}
}

// applyOverrides replaces discovered values with configured ones.
func applyOverrides(doc *oauth.OIDCDiscoveryDocument, p *types.Provider) {
	if p.AuthorizationEndpoint != "" {
		doc.AuthorizationEndpoint = p.AuthorizationEndpoint
	}
	if p.TokenEndpoint != "" {
		doc.TokenEndpoint = p.TokenEndpoint
	}
	if p.UserinfoEndpoint != "" {
		doc.UserinfoEndpoint = p.UserinfoEndpoint
	}
	if p.JWKSURI != "" {
		doc.JWKSURI = p.JWKSURI
	}
}

// fetch performs discovery for p and merges its overrides.
func fetch(ctx context.Context, client *http.Client, p *types.Provider, now time.Time) (*Endpoints, error) {
	ctx = oidc.ClientContext(ctx, client)
	strict := p.DiscoveryMode == types.DiscoveryOIDC
	if !strict {
		ctx = oidc.InsecureIssuerURLContext(ctx, p.Issuer)
	}

	// go-oidc checks that the discovered issuer matches exactly unless the
	// insecure issuer context is set.
	provider, err := oidc.NewProvider(ctx, p.Issuer)
	if err != nil {
		return nil, brokererrors.NewDiscoveryError("failed to discover provider metadata", err)
	}

	doc := &oauth.OIDCDiscoveryDocument{}
	if err := provider.Claims(doc); err != nil {
		return nil, brokererrors.NewDiscoveryError("failed to parse provider metadata", err)
	}
	applyOverrides(doc, p)

	if err := doc.Validate(strict); err != nil {
		return nil, brokererrors.NewDiscoveryError("invalid discovery document", err)
	}
	if strict {
		if err := validateDiscoveryDocument(doc, p.Issuer); err != nil {
			return nil, brokererrors.NewDiscoveryError("invalid discovery document", err)
		}
	}

	issuer := p.Issuer
	if issuer == "" {
		issuer = doc.Issuer
	}
	return &Endpoints{
		Issuer:                        issuer,
		AuthorizationEndpoint:         doc.AuthorizationEndpoint,
		TokenEndpoint:                 doc.TokenEndpoint,
		UserinfoEndpoint:              doc.UserinfoEndpoint,
		JWKSURI:                       doc.JWKSURI,
		CodeChallengeMethodsSupported: slices.Clone(doc.CodeChallengeMethodsSupported),
		Discovered:                    true,
		FetchedAt:                     now,
	}, nil
}

// validateDiscoveryDocument checks that every endpoint uses a secure scheme
// relative to the issuer. Hosts are not compared; major providers serve
// endpoints from hosts other than the issuer's.
func validateDiscoveryDocument(doc *oauth.OIDCDiscoveryDocument, expectedIssuer string) error {
	for name, endpoint := range map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"userinfo_endpoint":      doc.UserinfoEndpoint,
		"jwks_uri":               doc.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, expectedIssuer); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Hostname()) {
		if !networking.IsLocalhost(endpointURL.Hostname()) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != "https" {
		return fmt.Errorf("scheme mismatch: endpoint uses %q, all endpoints must use HTTPS", endpointURL.Scheme)
	}
	return nil
}
