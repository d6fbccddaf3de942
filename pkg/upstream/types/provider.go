// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/idpbroker/pkg/networking"
)

// DefaultIDTokenSignedResponseAlg is used when a provider does not declare one.
const DefaultIDTokenSignedResponseAlg = "RS256"

// ScopeOpenID marks an OpenID Connect authorization.
const ScopeOpenID = "openid"

// Parameter is a single extra authorization request parameter.
type Parameter struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// ClaimsImportRule maps one upstream claim onto one local attribute.
type ClaimsImportRule struct {
	// Claim is a gjson path into the merged claims, e.g. "email" or "address.locality".
	Claim string `json:"claim"`
	// Attribute is the local attribute name. "display_name" and "email" are well-known.
	Attribute string `json:"attribute"`
	// OnConflict decides what happens when the account already has a value.
	OnConflict ConflictPolicy `json:"on_conflict,omitempty"`
	// Required fails the login when the claim is absent.
	Required bool `json:"required,omitempty"`
}

// Provider is the configuration of one upstream identity provider.
type Provider struct {
	ID        string `json:"id"`
	Issuer    string `json:"issuer,omitempty"`
	HumanName string `json:"human_name,omitempty"`
	BrandName string `json:"brand_name,omitempty"`
	// Scope is the space separated scope string sent to the provider.
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	// EncryptedClientSecret is the client secret sealed by the secret service.
	EncryptedClientSecret string `json:"encrypted_client_secret,omitempty"`

	TokenEndpointAuthMethod   ClientAuthMethod `json:"token_endpoint_auth_method"`
	TokenEndpointSigningAlg   string           `json:"token_endpoint_signing_alg,omitempty"`
	IDTokenSignedResponseAlg  string           `json:"id_token_signed_response_alg,omitempty"`
	FetchUserinfo             bool             `json:"fetch_userinfo,omitempty"`
	UserinfoSignedResponseAlg string           `json:"userinfo_signed_response_alg,omitempty"`

	ClaimsImports []ClaimsImportRule `json:"claims_imports,omitempty"`

	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty"`
	UserinfoEndpoint      string `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string `json:"jwks_uri,omitempty"`

	DiscoveryMode                     DiscoveryMode           `json:"discovery_mode"`
	PKCEMode                          PKCEMode                `json:"pkce_mode"`
	ResponseMode                      ResponseMode            `json:"response_mode,omitempty"`
	AdditionalAuthorizationParameters []Parameter             `json:"additional_authorization_parameters,omitempty"`
	ForwardLoginHint                  bool                    `json:"forward_login_hint,omitempty"`
	OnBackchannelLogout               BackchannelLogoutAction `json:"on_backchannel_logout"`

	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// Enabled reports whether the provider may be used for new authorizations.
func (p *Provider) Enabled() bool {
	return p.DisabledAt == nil
}

// Scopes returns the individual scope values.
func (p *Provider) Scopes() []string {
	return strings.Fields(p.Scope)
}

// IsOpenID reports whether the scope requests an ID token.
func (p *Provider) IsOpenID() bool {
	return slices.Contains(p.Scopes(), ScopeOpenID)
}

// IDTokenAlg returns the declared ID token algorithm, falling back to RS256.
func (p *Provider) IDTokenAlg() string {
	if p.IDTokenSignedResponseAlg == "" {
		return DefaultIDTokenSignedResponseAlg
	}
	return p.IDTokenSignedResponseAlg
}

// Clone returns a deep copy of p.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	c := *p
	c.ClaimsImports = slices.Clone(p.ClaimsImports)
	c.AdditionalAuthorizationParameters = slices.Clone(p.AdditionalAuthorizationParameters)
	if p.DisabledAt != nil {
		t := *p.DisabledAt
		c.DisabledAt = &t
	}
	return &c
}

// Normalize fills defaults for empty enumerations and validates every field.
// It is called before a provider is persisted.
func (p *Provider) Normalize() error {
	var err error
	if p.TokenEndpointAuthMethod, err = ParseClientAuthMethod(string(p.TokenEndpointAuthMethod)); err != nil {
		return err
	}
	if p.DiscoveryMode, err = ParseDiscoveryMode(string(p.DiscoveryMode)); err != nil {
		return err
	}
	if p.PKCEMode, err = ParsePKCEMode(string(p.PKCEMode)); err != nil {
		return err
	}
	if p.ResponseMode, err = ParseResponseMode(string(p.ResponseMode)); err != nil {
		return err
	}
	if p.OnBackchannelLogout, err = ParseBackchannelLogoutAction(string(p.OnBackchannelLogout)); err != nil {
		return err
	}
	for i := range p.ClaimsImports {
		rule := &p.ClaimsImports[i]
		if rule.OnConflict, err = ParseConflictPolicy(string(rule.OnConflict)); err != nil {
			return fmt.Errorf("claims import %d: %w", i, err)
		}
		if rule.Claim == "" || rule.Attribute == "" {
			return fmt.Errorf("claims import %d: claim and attribute are required", i)
		}
	}
	return p.Validate()
}

// Validate checks the provider for configuration errors.
func (p *Provider) Validate() error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if p.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if p.TokenEndpointAuthMethod.UsesClientSecret() && p.EncryptedClientSecret == "" {
		errs = append(errs, fmt.Errorf("client secret is required for %s", p.TokenEndpointAuthMethod))
	}

	switch p.DiscoveryMode {
	case DiscoveryOIDC, DiscoveryInsecure:
		if p.Issuer == "" {
			errs = append(errs, fmt.Errorf("issuer is required for discovery mode %s", p.DiscoveryMode))
		} else if p.DiscoveryMode == DiscoveryOIDC {
			if err := networking.ValidateEndpointURL(p.Issuer); err != nil {
				errs = append(errs, fmt.Errorf("issuer: %w", err))
			}
		}
	case DiscoveryDisabled:
		if p.Issuer != "" {
			if err := networking.ValidateEndpointURL(p.Issuer); err != nil {
				errs = append(errs, fmt.Errorf("issuer: %w", err))
			}
		}
		if p.AuthorizationEndpoint == "" || p.TokenEndpoint == "" {
			errs = append(errs, errors.New("authorization_endpoint and token_endpoint are required when discovery is disabled"))
		}
		if p.IsOpenID() && p.Issuer == "" {
			errs = append(errs, errors.New("issuer is required when discovery is disabled and scope contains openid"))
		}
		if p.IsOpenID() && p.JWKSURI == "" && !IsHMACAlg(p.IDTokenAlg()) {
			errs = append(errs, errors.New("jwks_uri is required when discovery is disabled"))
		}
		if p.FetchUserinfo && p.UserinfoEndpoint == "" {
			errs = append(errs, errors.New("userinfo_endpoint is required when fetch_userinfo is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown discovery mode %q", p.DiscoveryMode))
	}

	for name, endpoint := range map[string]string{
		"authorization_endpoint": p.AuthorizationEndpoint,
		"token_endpoint":         p.TokenEndpoint,
		"userinfo_endpoint":      p.UserinfoEndpoint,
		"jwks_uri":               p.JWKSURI,
	} {
		if endpoint == "" {
			continue
		}
		if err := networking.ValidateEndpointURL(endpoint); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if !IsSupportedSigningAlg(p.IDTokenAlg()) {
		errs = append(errs, fmt.Errorf("unsupported id_token_signed_response_alg %q", p.IDTokenSignedResponseAlg))
	}
	if p.UserinfoSignedResponseAlg != "" && !IsSupportedSigningAlg(p.UserinfoSignedResponseAlg) {
		errs = append(errs, fmt.Errorf("unsupported userinfo_signed_response_alg %q", p.UserinfoSignedResponseAlg))
	}
	if p.TokenEndpointSigningAlg != "" {
		switch p.TokenEndpointAuthMethod {
		case ClientAuthSecretJWT:
			if !IsHMACAlg(p.TokenEndpointSigningAlg) {
				errs = append(errs, fmt.Errorf("client_secret_jwt requires an HMAC algorithm, got %q", p.TokenEndpointSigningAlg))
			}
		case ClientAuthPrivateKeyJWT:
			if !IsSupportedSigningAlg(p.TokenEndpointSigningAlg) || IsHMACAlg(p.TokenEndpointSigningAlg) {
				errs = append(errs, fmt.Errorf("private_key_jwt requires an asymmetric algorithm, got %q", p.TokenEndpointSigningAlg))
			}
		case ClientAuthNone, ClientAuthSecretBasic, ClientAuthSecretPost:
		}
	}

	return errors.Join(errs...)
}

var supportedSigningAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
	"HS256", "HS384", "HS512",
}

// IsSupportedSigningAlg reports whether alg is a JWS algorithm the broker verifies.
func IsSupportedSigningAlg(alg string) bool {
	return slices.Contains(supportedSigningAlgs, alg)
}

// IsHMACAlg reports whether alg is a symmetric HS* algorithm.
func IsHMACAlg(alg string) bool {
	return alg == "HS256" || alg == "HS384" || alg == "HS512"
}
