// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// ProviderConfig is the file form of an upstream provider. Client secrets are
// given in plaintext or via an environment variable and sealed on import.
type ProviderConfig struct {
	ID        string `mapstructure:"id" yaml:"id" validate:"required,max=64"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer,omitempty"`
	HumanName string `mapstructure:"human_name" yaml:"human_name,omitempty"`
	BrandName string `mapstructure:"brand_name" yaml:"brand_name,omitempty"`
	Scope     string `mapstructure:"scope" yaml:"scope,omitempty"`
	ClientID  string `mapstructure:"client_id" yaml:"client_id" validate:"required"`

	ClientSecret    string `mapstructure:"client_secret" yaml:"client_secret,omitempty" validate:"excluded_with=ClientSecretEnv"`
	ClientSecretEnv string `mapstructure:"client_secret_env" yaml:"client_secret_env,omitempty"`

	TokenEndpointAuthMethod   string `mapstructure:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method,omitempty" validate:"omitempty,oneof=none client_secret_basic client_secret_post client_secret_jwt private_key_jwt"`
	TokenEndpointSigningAlg   string `mapstructure:"token_endpoint_signing_alg" yaml:"token_endpoint_signing_alg,omitempty"`
	IDTokenSignedResponseAlg  string `mapstructure:"id_token_signed_response_alg" yaml:"id_token_signed_response_alg,omitempty"`
	FetchUserinfo             bool   `mapstructure:"fetch_userinfo" yaml:"fetch_userinfo,omitempty"`
	UserinfoSignedResponseAlg string `mapstructure:"userinfo_signed_response_alg" yaml:"userinfo_signed_response_alg,omitempty"`

	ClaimsImports []ClaimsImportConfig `mapstructure:"claims_imports" yaml:"claims_imports,omitempty" validate:"dive"`

	AuthorizationEndpoint string `mapstructure:"authorization_endpoint" yaml:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `mapstructure:"token_endpoint" yaml:"token_endpoint,omitempty"`
	UserinfoEndpoint      string `mapstructure:"userinfo_endpoint" yaml:"userinfo_endpoint,omitempty"`
	JWKSURI               string `mapstructure:"jwks_uri" yaml:"jwks_uri,omitempty"`

	DiscoveryMode       string            `mapstructure:"discovery_mode" yaml:"discovery_mode,omitempty" validate:"omitempty,oneof=oidc insecure disabled"`
	PKCEMode            string            `mapstructure:"pkce_mode" yaml:"pkce_mode,omitempty" validate:"omitempty,oneof=auto always never"`
	ResponseMode        string            `mapstructure:"response_mode" yaml:"response_mode,omitempty" validate:"omitempty,oneof=query form_post"`
	AuthorizationParams map[string]string `mapstructure:"additional_authorization_parameters" yaml:"additional_authorization_parameters,omitempty"`
	ForwardLoginHint    bool              `mapstructure:"forward_login_hint" yaml:"forward_login_hint,omitempty"`
	OnBackchannelLogout string            `mapstructure:"on_backchannel_logout" yaml:"on_backchannel_logout,omitempty" validate:"omitempty,oneof=do_nothing log_only logout_session"`
	Disabled            bool              `mapstructure:"disabled" yaml:"disabled,omitempty"`
}

// ClaimsImportConfig is the file form of a claims import rule.
type ClaimsImportConfig struct {
	Claim      string `mapstructure:"claim" yaml:"claim" validate:"required"`
	Attribute  string `mapstructure:"attribute" yaml:"attribute" validate:"required"`
	OnConflict string `mapstructure:"on_conflict" yaml:"on_conflict,omitempty" validate:"omitempty,oneof=overwrite prefer_local"`
	Required   bool   `mapstructure:"required" yaml:"required,omitempty"`
}

// Provider converts the file form into a normalized provider, sealing the
// client secret with svc. The secret environment variable is read through envReader.
func (pc *ProviderConfig) Provider(svc secrets.Service, envReader env.Reader) (*types.Provider, error) {
	p := &types.Provider{
		ID:                        pc.ID,
		Issuer:                    pc.Issuer,
		HumanName:                 pc.HumanName,
		BrandName:                 pc.BrandName,
		Scope:                     pc.Scope,
		ClientID:                  pc.ClientID,
		TokenEndpointAuthMethod:   types.ClientAuthMethod(pc.TokenEndpointAuthMethod),
		TokenEndpointSigningAlg:   pc.TokenEndpointSigningAlg,
		IDTokenSignedResponseAlg:  pc.IDTokenSignedResponseAlg,
		FetchUserinfo:             pc.FetchUserinfo,
		UserinfoSignedResponseAlg: pc.UserinfoSignedResponseAlg,
		AuthorizationEndpoint:     pc.AuthorizationEndpoint,
		TokenEndpoint:             pc.TokenEndpoint,
		UserinfoEndpoint:          pc.UserinfoEndpoint,
		JWKSURI:                   pc.JWKSURI,
		DiscoveryMode:             types.DiscoveryMode(pc.DiscoveryMode),
		PKCEMode:                  types.PKCEMode(pc.PKCEMode),
		ResponseMode:              types.ResponseMode(pc.ResponseMode),
		ForwardLoginHint:          pc.ForwardLoginHint,
		OnBackchannelLogout:       types.BackchannelLogoutAction(pc.OnBackchannelLogout),
	}

	for _, rule := range pc.ClaimsImports {
		p.ClaimsImports = append(p.ClaimsImports, types.ClaimsImportRule{
			Claim:      rule.Claim,
			Attribute:  rule.Attribute,
			OnConflict: types.ConflictPolicy(rule.OnConflict),
			Required:   rule.Required,
		})
	}
	for _, key := range slices.Sorted(maps.Keys(pc.AuthorizationParams)) {
		p.AdditionalAuthorizationParameters = append(p.AdditionalAuthorizationParameters,
			types.Parameter{Key: key, Value: pc.AuthorizationParams[key]})
	}

	secret, err := pc.clientSecret(envReader)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		if svc == nil {
			return nil, fmt.Errorf("provider %s: secret_key_file is required to store client secrets", pc.ID)
		}
		if p.EncryptedClientSecret, err = svc.Encrypt(secret); err != nil {
			return nil, fmt.Errorf("provider %s: failed to seal client secret: %w", pc.ID, err)
		}
	}

	if err := p.Normalize(); err != nil {
		return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
	}
	return p, nil
}

func (pc *ProviderConfig) clientSecret(envReader env.Reader) (string, error) {
	if pc.ClientSecretEnv == "" {
		return pc.ClientSecret, nil
	}
	if envReader == nil {
		envReader = &env.OSReader{}
	}
	value := strings.TrimSpace(envReader.Getenv(pc.ClientSecretEnv))
	if value == "" {
		return "", fmt.Errorf("provider %s: environment variable %s is empty", pc.ID, pc.ClientSecretEnv)
	}
	return value, nil
}

// LoadProviders converts every configured provider. It stops at the first error.
func (c *Config) LoadProviders(svc secrets.Service, envReader env.Reader) ([]*types.Provider, error) {
	providers := make([]*types.Provider, 0, len(c.Providers))
	for i := range c.Providers {
		p, err := c.Providers[i].Provider(svc, envReader)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}
