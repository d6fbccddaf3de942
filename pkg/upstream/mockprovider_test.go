// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/jwks"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

const (
	testClientID     = "broker-client"
	testClientSecret = "s3cret-value-long-enough-for-hmac-sha256"
	testSubject      = "upstream-user-1"
	testAccessToken  = "upstream-access-token"
	testCallbackBase = "https://broker.example.com/callback"
)

// pendingCode is what the mock provider remembers about an issued code.
type pendingCode struct {
	nonce       string
	challenge   string
	redirectURI string
}

// mockProvider is an in-process OpenID provider.
type mockProvider struct {
	*httptest.Server
	t   *testing.T
	key *rsa.PrivateKey
	kid string

	mu sync.Mutex
	// advertisePKCE controls code_challenge_methods_supported in discovery.
	advertisePKCE bool
	codes         map[string]pendingCode
	tokenStatus   int
	omitIDToken   bool
	// idTokenAlg is RS256 unless set. HS* tokens are keyed by testClientSecret.
	idTokenAlg     jose.SignatureAlgorithm
	mutateIDToken  func(map[string]any)
	userinfo       map[string]any
	signedUserinfo bool

	lastTokenForm url.Values
	lastBasicUser string
	lastBasicPass string
	tokenCalls    int
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	m := &mockProvider{
		t:             t,
		key:           key,
		kid:           "upstream-key-1",
		advertisePKCE: true,
		codes:         make(map[string]pendingCode),
		tokenStatus:   http.StatusOK,
		idTokenAlg:    jose.RS256,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(oauth.WellKnownOIDCPath, m.handleDiscovery)
	mux.HandleFunc("/authorize", m.handleAuthorize)
	mux.HandleFunc("/token", m.handleToken)
	mux.HandleFunc("/jwks", m.handleJWKS)
	mux.HandleFunc("/userinfo", m.handleUserinfo)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

func (m *mockProvider) update(fn func(m *mockProvider)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *mockProvider) tokenRequest() (url.Values, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTokenForm, m.lastBasicUser, m.lastBasicPass
}

func (m *mockProvider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	advertisePKCE := m.advertisePKCE
	m.mu.Unlock()

	doc := oauth.OIDCDiscoveryDocument{
		Issuer:                           m.URL,
		AuthorizationEndpoint:            m.URL + "/authorize",
		TokenEndpoint:                    m.URL + "/token",
		UserinfoEndpoint:                 m.URL + "/userinfo",
		JWKSURI:                          m.URL + "/jwks",
		ResponseTypesSupported:           []string{"code"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
	}
	if advertisePKCE {
		doc.CodeChallengeMethodsSupported = []string{oauth.PKCEMethodS256}
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleAuthorize plays the user consenting: it issues a code and redirects
// back to the broker.
func (m *mockProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := uuid.NewString()

	m.mu.Lock()
	m.codes[code] = pendingCode{
		nonce:       q.Get(oauth.ParamNonce),
		challenge:   q.Get(oauth.ParamCodeChallenge),
		redirectURI: q.Get(oauth.ParamRedirectURI),
	}
	m.mu.Unlock()

	target, err := url.Parse(q.Get(oauth.ParamRedirectURI))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	back := target.Query()
	back.Set("code", code)
	back.Set(oauth.ParamState, q.Get(oauth.ParamState))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (m *mockProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenCalls++
	m.lastTokenForm = r.PostForm
	m.lastBasicUser, m.lastBasicPass, _ = r.BasicAuth()

	if m.tokenStatus != http.StatusOK {
		writeJSON(w, m.tokenStatus, map[string]string{"error": "invalid_grant", "error_description": "nope"})
		return
	}

	pending, ok := m.codes[r.PostForm.Get("code")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	delete(m.codes, r.PostForm.Get("code"))

	if pending.redirectURI != r.PostForm.Get(oauth.ParamRedirectURI) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "redirect_uri"})
		return
	}
	if pending.challenge != "" &&
		oauth2.S256ChallengeFromVerifier(r.PostForm.Get(oauth.ParamCodeVerifier)) != pending.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
		return
	}

	resp := map[string]any{
		"access_token":  testAccessToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "upstream-refresh-token",
	}
	if !m.omitIDToken {
		now := time.Now()
		claims := map[string]any{
			"iss":            m.URL,
			"sub":            testSubject,
			"aud":            testClientID,
			"exp":            now.Add(time.Hour).Unix(),
			"iat":            now.Unix(),
			"name":           "Ada Upstream",
			"email":          "ada@example.com",
			"email_verified": true,
			"sid":            "upstream-session-1",
		}
		if pending.nonce != "" {
			claims["nonce"] = pending.nonce
		}
		if m.mutateIDToken != nil {
			m.mutateIDToken(claims)
		}
		resp["id_token"] = m.signLocked(m.idTokenAlg, claims)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *mockProvider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &m.key.PublicKey,
		KeyID:     m.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (m *mockProvider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testAccessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	claims := map[string]any{"sub": testSubject}
	for k, v := range m.userinfo {
		claims[k] = v
	}
	if m.signedUserinfo {
		claims["iss"] = m.URL
		claims["aud"] = testClientID
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(m.signLocked(jose.RS256, claims)))
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

// sign signs claims as a JWT with the provider key.
func (m *mockProvider) sign(alg jose.SignatureAlgorithm, claims map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signLocked(alg, claims)
}

func (m *mockProvider) signLocked(alg jose.SignatureAlgorithm, claims map[string]any) string {
	key := jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: m.key, KeyID: m.kid}}
	if alg == jose.HS256 || alg == jose.HS384 || alg == jose.HS512 {
		key = jose.SigningKey{Algorithm: alg, Key: []byte(testClientSecret)}
	}
	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(m.t, err)
	raw, err := josejwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(m.t, err)
	return raw
}

// provider returns an enabled provider discovered from the mock.
func (m *mockProvider) provider(id string, sealed string) *types.Provider {
	return &types.Provider{
		ID:                    id,
		Issuer:                m.URL,
		HumanName:             "Mock",
		Scope:                 "openid profile email",
		ClientID:              testClientID,
		EncryptedClientSecret: sealed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// testEngine wires the provider engine against in-memory storage.
type testEngine struct {
	store      *storage.MemoryStorage
	secrets    *secrets.Envelope
	registry   *Registry
	authorizer *Authorizer
	exchanger  *Exchanger
}

func newTestEngine(t *testing.T, opts ...ExchangerOption) *testEngine {
	t.Helper()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	envelope, err := secrets.NewEnvelope(key)
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	resolver := discovery.NewResolver(http.DefaultClient)
	keyCache, err := jwks.NewCache(t.Context(), http.DefaultClient)
	require.NoError(t, err)
	t.Cleanup(keyCache.Close)

	registry := NewRegistry(store, resolver, keyCache)
	authorizer, err := NewAuthorizer(AuthorizerConfig{CallbackBaseURL: testCallbackBase}, registry, resolver, store)
	require.NoError(t, err)

	exchanger := NewExchanger(registry, resolver, store, NewTokenVerifier(keyCache, envelope), envelope,
		http.DefaultClient, opts...)

	return &testEngine{
		store:      store,
		secrets:    envelope,
		registry:   registry,
		authorizer: authorizer,
		exchanger:  exchanger,
	}
}

func (e *testEngine) seal(t *testing.T, plaintext string) string {
	t.Helper()
	sealed, err := e.secrets.Encrypt(plaintext)
	require.NoError(t, err)
	return sealed
}

func (e *testEngine) addProvider(t *testing.T, p *types.Provider) {
	t.Helper()
	_, err := e.registry.Upsert(t.Context(), p)
	require.NoError(t, err)
}

// followAuthorization visits the redirect URL like a browser and returns
// the callback parameters the provider sent back.
func followAuthorization(t *testing.T, redirectURL string) url.Values {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(redirectURL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return location.Query()
}
