// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// overrideProvider needs no network: discovery is disabled.
func overrideProvider(id string) *types.Provider {
	return &types.Provider{
		ID:                      id,
		Issuer:                  "https://idp.example.com",
		Scope:                   "openid profile",
		ClientID:                testClientID,
		TokenEndpointAuthMethod: types.ClientAuthNone,
		DiscoveryMode:           types.DiscoveryDisabled,
		AuthorizationEndpoint:   "https://idp.example.com/authorize?tenant=acme",
		TokenEndpoint:           "https://idp.example.com/token",
		JWKSURI:                 "https://idp.example.com/jwks",
	}
}

func queryKeys(rawQuery string) []string {
	var keys []string
	for _, pair := range strings.Split(rawQuery, "&") {
		key, _, _ := strings.Cut(pair, "=")
		keys = append(keys, key)
	}
	return keys
}

func TestAuthorize_ParameterOrder(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t)

	p := overrideProvider("acme")
	p.PKCEMode = types.PKCEAlways
	p.ResponseMode = types.ResponseModeFormPost
	p.ForwardLoginHint = true
	p.AdditionalAuthorizationParameters = []types.Parameter{
		{Key: "prompt", Value: "select_account"},
		{Key: "state", Value: "attacker"},
		{Key: "client_id", Value: "attacker"},
		{Key: "acr_values", Value: "urn:mfa"},
	}
	engine.addProvider(t, p)

	result, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{
		ProviderID:     "acme",
		RedirectTarget: "/dashboard",
		LoginHint:      "ada@example.com",
	})
	require.NoError(t, err)

	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, []string{
		"tenant",
		"response_type", "client_id", "redirect_uri", "scope", "state",
		"nonce",
		"code_challenge", "code_challenge_method",
		"response_mode",
		"login_hint",
		"prompt", "acr_values",
	}, queryKeys(u.RawQuery))

	q := u.Query()
	assert.Equal(t, "acme", q.Get("tenant"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testCallbackBase+"/acme", q.Get("redirect_uri"))
	assert.Equal(t, "openid profile", q.Get("scope"))
	assert.Equal(t, result.State, q.Get("state"))
	assert.Equal(t, []string{result.State}, q["state"])
	assert.Equal(t, []string{testClientID}, q["client_id"])
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "ada@example.com", q.Get("login_hint"))
	assert.Equal(t, "urn:mfa", q.Get("acr_values"))

	session, err := engine.store.CompleteAuthorizationSession(t.Context(), result.State, time.Now())
	require.NoError(t, err)
	assert.Equal(t, result.SessionID, session.ID)
	assert.Equal(t, "/dashboard", session.RedirectTarget)
	assert.Equal(t, q.Get("nonce"), session.Nonce)
	assert.Equal(t, q.Get("code_challenge"), oauth2.S256ChallengeFromVerifier(session.CodeVerifier))
	assert.Equal(t, q.Get("redirect_uri"), session.RedirectURI)
}

func TestAuthorize_StateAndNonceAreUnique(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t)
	engine.addProvider(t, overrideProvider("acme"))

	states := make(map[string]struct{})
	nonces := make(map[string]struct{})
	for range 50 {
		result, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{ProviderID: "acme"})
		require.NoError(t, err)
		u, err := url.Parse(result.RedirectURL)
		require.NoError(t, err)
		nonce := u.Query().Get("nonce")

		assert.Len(t, result.State, 43)
		assert.Len(t, nonce, 43)
		states[result.State] = struct{}{}
		nonces[nonce] = struct{}{}
	}
	assert.Len(t, states, 50)
	assert.Len(t, nonces, 50)
}

func TestRandomToken_ConcurrentUniqueness(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("generates one million tokens")
	}

	const (
		workers   = 8
		perWorker = 125_000
	)
	results := make([][]string, workers)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			tokens := make([]string, 0, perWorker)
			for range perWorker {
				token, err := randomToken()
				if err != nil {
					return err
				}
				tokens = append(tokens, token)
			}
			results[w] = tokens
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]struct{}, workers*perWorker)
	for _, tokens := range results {
		for _, token := range tokens {
			if _, dup := seen[token]; dup {
				t.Fatalf("duplicate token %q", token)
			}
			seen[token] = struct{}{}
		}
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestAuthorize_PlainOAuth2HasNoNonce(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t)

	p := overrideProvider("gh")
	p.Scope = "read:user"
	p.FetchUserinfo = true
	p.UserinfoEndpoint = "https://idp.example.com/user"
	p.ForwardLoginHint = false
	engine.addProvider(t, p)

	result, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{ProviderID: "gh", LoginHint: "ada"})
	require.NoError(t, err)
	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.NotContains(t, u.Query(), "nonce")
	assert.NotContains(t, u.Query(), "login_hint")
	assert.NotContains(t, u.Query(), "code_challenge")
}

func TestAuthorize_Errors(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t)
	engine.addProvider(t, overrideProvider("acme"))
	require.NoError(t, engine.registry.Disable(t.Context(), "acme"))

	_, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{ProviderID: "acme"})
	require.ErrorIs(t, err, brokererrors.ErrProviderDisabled)

	_, err = engine.authorizer.Authorize(t.Context(), AuthorizationRequest{ProviderID: "missing"})
	require.ErrorIs(t, err, brokererrors.ErrProviderNotFound)
}

func TestAuthorize_RedirectTarget(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t)
	engine.addProvider(t, overrideProvider("acme"))

	_, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{
		ProviderID:     "acme",
		RedirectTarget: "https://evil.example/phish",
	})
	require.ErrorIs(t, err, brokererrors.ErrInvalidRequest)

	result, err := engine.authorizer.Authorize(t.Context(), AuthorizationRequest{
		ProviderID:     "acme",
		RedirectTarget: "/settings/linked-accounts?tab=1",
	})
	require.NoError(t, err)
	session, err := engine.store.CompleteAuthorizationSession(t.Context(), result.State, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "/settings/linked-accounts?tab=1", session.RedirectTarget)
}

func TestValidateRedirectTarget(t *testing.T) {
	t.Parallel()

	allowed := []string{"https://app.example.com", "http://localhost:3000/"}
	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{name: "empty", target: ""},
		{name: "path", target: "/home"},
		{name: "path with query", target: "/home?x=1#top"},
		{name: "allowed origin", target: "https://app.example.com/after-login"},
		{name: "allowed origin case insensitive", target: "https://APP.example.com/"},
		{name: "allowed origin with trailing slash in config", target: "http://localhost:3000/cb"},
		{name: "foreign origin", target: "https://evil.example/phish", wantErr: true},
		{name: "allowed host wrong scheme", target: "http://app.example.com/", wantErr: true},
		{name: "userinfo trick", target: "https://app.example.com@evil.example/", wantErr: true},
		{name: "protocol relative", target: "//evil.example/phish", wantErr: true},
		{name: "backslash", target: "/\\evil.example", wantErr: true},
		{name: "relative without slash", target: "home", wantErr: true},
		{name: "javascript", target: "javascript:alert(1)", wantErr: true},
		{name: "newline", target: "/home\nLocation: https://evil.example", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRedirectTarget(tt.target, allowed)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestUsePKCE(t *testing.T) {
	t.Parallel()

	advertised := &discovery.Endpoints{CodeChallengeMethodsSupported: []string{"plain", "S256"}}
	silent := &discovery.Endpoints{}

	tests := []struct {
		name      string
		mode      types.PKCEMode
		endpoints *discovery.Endpoints
		allowList []string
		want      bool
	}{
		{name: "always", mode: types.PKCEAlways, endpoints: silent, want: true},
		{name: "never even when advertised", mode: types.PKCENever, endpoints: advertised, want: false},
		{name: "auto advertised", mode: types.PKCEAuto, endpoints: advertised, want: true},
		{name: "auto silent", mode: types.PKCEAuto, endpoints: silent, want: false},
		{name: "auto allow-listed", mode: types.PKCEAuto, endpoints: silent, allowList: []string{"acme"}, want: true},
		{name: "auto plain only", mode: types.PKCEAuto,
			endpoints: &discovery.Endpoints{CodeChallengeMethodsSupported: []string{"plain"}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &types.Provider{ID: "acme", PKCEMode: tt.mode}
			assert.Equal(t, tt.want, usePKCE(p, tt.endpoints, tt.allowList))
		})
	}
}

func TestNewAuthorizer_CallbackBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "valid", baseURL: "https://broker.example.com/callback"},
		{name: "trailing slash", baseURL: "https://broker.example.com/callback/"},
		{name: "empty", baseURL: "", wantErr: true},
		{name: "relative", baseURL: "/callback", wantErr: true},
		{name: "query", baseURL: "https://broker.example.com/callback?x=1", wantErr: true},
		{name: "fragment", baseURL: "https://broker.example.com/callback#x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := NewAuthorizer(AuthorizerConfig{CallbackBaseURL: tt.baseURL}, nil, nil, nil)
			if tt.wantErr {
				require.ErrorIs(t, err, brokererrors.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://broker.example.com/callback/a%20b", a.RedirectURI("a b"))
		})
	}
}
