// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"errors"
	"slices"
)

// OIDCDiscoveryDocument represents the subset of the OpenID Provider metadata
// the broker consumes (OpenID Connect Discovery 1.0 Section 3).
type OIDCDiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	BackchannelLogoutSupported        bool     `json:"backchannel_logout_supported,omitempty"`
	BackchannelLogoutSessionSupported bool     `json:"backchannel_logout_session_supported,omitempty"`
}

// Validate checks the fields OpenID Connect Discovery 1.0 marks as required.
// When strict is false only the endpoints needed for the code flow are required.
func (d *OIDCDiscoveryDocument) Validate(strict bool) error {
	var errs []error
	if strict && d.Issuer == "" {
		errs = append(errs, errors.New("missing issuer"))
	}
	if d.AuthorizationEndpoint == "" {
		errs = append(errs, errors.New("missing authorization_endpoint"))
	}
	if d.TokenEndpoint == "" {
		errs = append(errs, errors.New("missing token_endpoint"))
	}
	if strict && d.JWKSURI == "" {
		errs = append(errs, errors.New("missing jwks_uri"))
	}
	if strict && len(d.ResponseTypesSupported) == 0 {
		errs = append(errs, errors.New("missing response_types_supported"))
	}
	return errors.Join(errs...)
}

// SupportsPKCE reports whether the provider advertises the S256 challenge method.
func (d *OIDCDiscoveryDocument) SupportsPKCE() bool {
	return d != nil && slices.Contains(d.CodeChallengeMethodsSupported, PKCEMethodS256)
}
