// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

type discoveryServer struct {
	*httptest.Server
	hits    atomic.Int32
	issuer  string
	status  atomic.Int32
	release chan struct{}
	block   atomic.Bool
}

func newDiscoveryServer(t *testing.T, issuer ...string) *discoveryServer {
	t.Helper()
	ds := &discoveryServer{release: make(chan struct{})}
	if len(issuer) > 0 {
		ds.issuer = issuer[0]
	}
	ds.status.Store(http.StatusOK)
	ds.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != oauth.WellKnownOIDCPath {
			http.NotFound(w, r)
			return
		}
		ds.hits.Add(1)
		if ds.block.Load() {
			<-ds.release
		}
		if status := int(ds.status.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		issuer := ds.issuer
		if issuer == "" {
			issuer = ds.URL
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(oauth.OIDCDiscoveryDocument{
			Issuer:                        issuer,
			AuthorizationEndpoint:         ds.URL + "/authorize",
			TokenEndpoint:                 ds.URL + "/token",
			UserinfoEndpoint:              ds.URL + "/userinfo",
			JWKSURI:                       ds.URL + "/jwks",
			ResponseTypesSupported:        []string{"code"},
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	}))
	t.Cleanup(ds.Close)
	return ds
}

func testProvider(id, issuer string) *types.Provider {
	return &types.Provider{
		ID:            id,
		Issuer:        issuer,
		ClientID:      "client",
		Scope:         "openid",
		DiscoveryMode: types.DiscoveryOIDC,
	}
}

func TestResolve_OIDC(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	r := NewResolver(srv.Client())

	p := testProvider("idp", srv.URL)
	p.TokenEndpoint = "http://localhost:9999/override-token"

	endpoints, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, endpoints.Issuer)
	assert.Equal(t, srv.URL+"/authorize", endpoints.AuthorizationEndpoint)
	assert.Equal(t, "http://localhost:9999/override-token", endpoints.TokenEndpoint)
	assert.Equal(t, srv.URL+"/jwks", endpoints.JWKSURI)
	assert.True(t, endpoints.Discovered)
	assert.True(t, endpoints.SupportsPKCE())
}

func TestResolve_IssuerMismatch(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t, "https://someone-else.example.com")

	_, err := NewResolver(srv.Client()).Resolve(context.Background(), testProvider("strict", srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrDiscoveryFailure)
	assert.True(t, brokererrors.IsRecoverable(err))

	insecure := testProvider("lenient", srv.URL)
	insecure.DiscoveryMode = types.DiscoveryInsecure
	endpoints, err := NewResolver(srv.Client()).Resolve(context.Background(), insecure)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, endpoints.Issuer, "configured issuer wins")
	assert.Equal(t, srv.URL+"/token", endpoints.TokenEndpoint)
}

func TestResolve_Disabled(t *testing.T) {
	t.Parallel()

	r := NewResolver(http.DefaultClient)
	p := &types.Provider{
		ID:                    "manual",
		DiscoveryMode:         types.DiscoveryDisabled,
		AuthorizationEndpoint: "https://idp.example.com/auth",
		TokenEndpoint:         "https://idp.example.com/token",
		JWKSURI:               "https://idp.example.com/keys",
	}

	endpoints, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, endpoints.Discovered)
	assert.Equal(t, "https://idp.example.com/auth", endpoints.AuthorizationEndpoint)
	assert.False(t, endpoints.SupportsPKCE())
	assert.Zero(t, r.len())
}

func TestResolve_UnknownMode(t *testing.T) {
	t.Parallel()

	p := testProvider("bad", "https://idp.example.com")
	p.DiscoveryMode = "bogus"
	_, err := NewResolver(http.DefaultClient).Resolve(context.Background(), p)
	assert.ErrorIs(t, err, brokererrors.ErrConfiguration)
}

func TestResolve_ServerError(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	srv.status.Store(http.StatusInternalServerError)

	_, err := NewResolver(srv.Client()).Resolve(context.Background(), testProvider("idp", srv.URL))
	assert.ErrorIs(t, err, brokererrors.ErrDiscoveryFailure)
}

func TestResolve_CacheAndInvalidate(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	r := NewResolver(srv.Client())
	p := testProvider("idp", srv.URL)

	for range 3 {
		_, err := r.Resolve(context.Background(), p)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.hits.Load())

	r.Invalidate("idp")
	_, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.hits.Load())

	changed := p.Clone()
	changed.UserinfoEndpoint = "http://localhost:1/userinfo"
	endpoints, err := r.Resolve(context.Background(), changed)
	require.NoError(t, err)
	assert.EqualValues(t, 3, srv.hits.Load(), "changed overrides bypass the cached entry")
	assert.Equal(t, "http://localhost:1/userinfo", endpoints.UserinfoEndpoint)
}

func TestResolve_ConcurrentMissesShareOneFetch(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	srv.block.Store(true)
	r := NewResolver(srv.Client())
	p := testProvider("idp", srv.URL)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), p)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return srv.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(srv.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.hits.Load())
}

func TestResolve_ServesStaleWhileRefreshing(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	var clock atomic.Int64
	start := time.Now()
	clock.Store(start.UnixNano())

	r := NewResolver(srv.Client(), WithTTL(time.Minute), WithStaleWait(20*time.Millisecond))
	r.now = func() time.Time { return time.Unix(0, clock.Load()) }
	p := testProvider("idp", srv.URL)

	first, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)

	clock.Store(start.Add(2 * time.Minute).UnixNano())
	srv.block.Store(true)

	stale, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, first, stale)

	close(srv.release)
	require.Eventually(t, func() bool {
		fresh, err := r.Resolve(context.Background(), p)
		return err == nil && fresh != first
	}, time.Second, 10*time.Millisecond)
}

func TestResolve_ServesStaleOnRefreshError(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	var clock atomic.Int64
	start := time.Now()
	clock.Store(start.UnixNano())

	r := NewResolver(srv.Client(), WithTTL(time.Minute))
	r.now = func() time.Time { return time.Unix(0, clock.Load()) }
	p := testProvider("idp", srv.URL)

	first, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)

	clock.Store(start.Add(2 * time.Minute).UnixNano())
	srv.status.Store(http.StatusBadGateway)

	stale, err := r.Resolve(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, first, stale)
}

func TestResolve_BoundedEntries(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	r := NewResolver(srv.Client(), WithMaxEntries(2))

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Resolve(context.Background(), testProvider(id, srv.URL))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.len())
}

func TestResolve_CanceledContext(t *testing.T) {
	t.Parallel()

	srv := newDiscoveryServer(t)
	srv.block.Store(true)
	t.Cleanup(func() { close(srv.release) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewResolver(srv.Client()).Resolve(ctx, testProvider("idp", srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, brokererrors.ErrDiscoveryFailure)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestValidateEndpointOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		issuer   string
		wantErr  bool
	}{
		{"https endpoint", "https://oauth2.googleapis.com/token", "https://accounts.google.com", false},
		{"http endpoint for remote issuer", "http://accounts.google.com/token", "https://accounts.google.com", true},
		{"localhost pair", "http://localhost:8080/token", "http://127.0.0.1:8080", false},
		{"remote endpoint for localhost issuer", "https://evil.example.com/token", "http://localhost:8080", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateEndpointOrigin(tt.endpoint, tt.issuer)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
