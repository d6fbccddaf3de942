// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProvider() *Provider {
	return &Provider{
		ID:                    "google",
		Issuer:                "https://accounts.google.com",
		Scope:                 "openid email profile",
		ClientID:              "client-1",
		EncryptedClientSecret: "sealed",
	}
}

func TestParseEnums_RejectUnknown(t *testing.T) {
	t.Parallel()

	_, err := ParseClientAuthMethod("client_secret_magic")
	assert.Error(t, err)
	_, err = ParseDiscoveryMode("maybe")
	assert.Error(t, err)
	_, err = ParsePKCEMode("sometimes")
	assert.Error(t, err)
	_, err = ParseResponseMode("fragment")
	assert.Error(t, err)
	_, err = ParseBackchannelLogoutAction("logout_everything")
	assert.Error(t, err)
	_, err = ParseConflictPolicy("merge")
	assert.Error(t, err)
	_, err = ParseIntent("delete")
	assert.Error(t, err)
}

func TestParseEnums_Defaults(t *testing.T) {
	t.Parallel()

	m, err := ParseClientAuthMethod("")
	require.NoError(t, err)
	assert.Equal(t, ClientAuthSecretBasic, m)

	d, err := ParseDiscoveryMode("")
	require.NoError(t, err)
	assert.Equal(t, DiscoveryOIDC, d)

	p, err := ParsePKCEMode("")
	require.NoError(t, err)
	assert.Equal(t, PKCEAuto, p)

	a, err := ParseBackchannelLogoutAction("")
	require.NoError(t, err)
	assert.Equal(t, BackchannelDoNothing, a)

	i, err := ParseIntent("")
	require.NoError(t, err)
	assert.Equal(t, IntentLogin, i)
}

func TestProvider_Normalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(p *Provider)
		wantErr string
	}{
		{name: "valid defaults", mutate: func(*Provider) {}},
		{
			name:    "missing client id",
			mutate:  func(p *Provider) { p.ClientID = "" },
			wantErr: "client_id is required",
		},
		{
			name:    "unknown auth method",
			mutate:  func(p *Provider) { p.TokenEndpointAuthMethod = "tls_client_auth" },
			wantErr: "unknown token endpoint auth method",
		},
		{
			name:    "secret required for basic",
			mutate:  func(p *Provider) { p.EncryptedClientSecret = "" },
			wantErr: "client secret is required",
		},
		{
			name: "public client needs no secret",
			mutate: func(p *Provider) {
				p.EncryptedClientSecret = ""
				p.TokenEndpointAuthMethod = ClientAuthNone
			},
		},
		{
			name: "disabled discovery requires endpoints",
			mutate: func(p *Provider) {
				p.DiscoveryMode = DiscoveryDisabled
			},
			wantErr: "authorization_endpoint and token_endpoint are required",
		},
		{
			name: "disabled discovery with endpoints",
			mutate: func(p *Provider) {
				p.DiscoveryMode = DiscoveryDisabled
				p.AuthorizationEndpoint = "https://idp.example.com/authorize"
				p.TokenEndpoint = "https://idp.example.com/token"
				p.JWKSURI = "https://idp.example.com/jwks"
			},
		},
		{
			name: "disabled discovery without issuer cannot check id tokens",
			mutate: func(p *Provider) {
				p.DiscoveryMode = DiscoveryDisabled
				p.Issuer = ""
				p.AuthorizationEndpoint = "https://idp.example.com/authorize"
				p.TokenEndpoint = "https://idp.example.com/token"
				p.JWKSURI = "https://idp.example.com/jwks"
			},
			wantErr: "issuer is required when discovery is disabled",
		},
		{
			name: "disabled discovery plain oauth2 needs no issuer",
			mutate: func(p *Provider) {
				p.DiscoveryMode = DiscoveryDisabled
				p.Issuer = ""
				p.Scope = "read:user"
				p.FetchUserinfo = true
				p.AuthorizationEndpoint = "https://idp.example.com/authorize"
				p.TokenEndpoint = "https://idp.example.com/token"
				p.UserinfoEndpoint = "https://idp.example.com/user"
			},
		},
		{
			name:    "plain http endpoint",
			mutate:  func(p *Provider) { p.TokenEndpoint = "http://idp.example.com/token" },
			wantErr: "token_endpoint",
		},
		{
			name:    "unsupported id token alg",
			mutate:  func(p *Provider) { p.IDTokenSignedResponseAlg = "none" },
			wantErr: "unsupported id_token_signed_response_alg",
		},
		{
			name: "client_secret_jwt with RSA alg",
			mutate: func(p *Provider) {
				p.TokenEndpointAuthMethod = ClientAuthSecretJWT
				p.TokenEndpointSigningAlg = "RS256"
			},
			wantErr: "requires an HMAC algorithm",
		},
		{
			name: "claims rule missing attribute",
			mutate: func(p *Provider) {
				p.ClaimsImports = []ClaimsImportRule{{Claim: "name"}}
			},
			wantErr: "claim and attribute are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validProvider()
			tt.mutate(p)

			err := p.Normalize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, p.DiscoveryMode)
			assert.NotEmpty(t, p.PKCEMode)
			assert.NotEmpty(t, p.OnBackchannelLogout)
		})
	}
}

func TestProvider_Clone(t *testing.T) {
	t.Parallel()

	disabled := time.Now()
	p := validProvider()
	p.DisabledAt = &disabled
	p.AdditionalAuthorizationParameters = []Parameter{{Key: "prompt", Value: "consent"}}

	c := p.Clone()
	c.AdditionalAuthorizationParameters[0].Value = "login"
	*c.DisabledAt = disabled.Add(time.Hour)

	assert.Equal(t, "consent", p.AdditionalAuthorizationParameters[0].Value)
	assert.Equal(t, disabled, *p.DisabledAt)
}

func TestProvider_IsOpenID(t *testing.T) {
	t.Parallel()

	p := validProvider()
	assert.True(t, p.IsOpenID())
	p.Scope = "read:user user:email"
	assert.False(t, p.IsOpenID())
	p.Scope = "openidx"
	assert.False(t, p.IsOpenID())
}

func TestNormalizedIdentity_Label(t *testing.T) {
	t.Parallel()

	id := &NormalizedIdentity{Subject: "sub-1"}
	assert.Equal(t, "sub-1", id.Label())
	id.Email = "a@example.com"
	assert.Equal(t, "a@example.com", id.Label())
	id.DisplayName = "Alice"
	assert.Equal(t, "Alice", id.Label())
}
