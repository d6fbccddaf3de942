// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	envmocks "github.com/stacklok/toolhive-core/env/mocks"

	"github.com/stacklok/idpbroker/pkg/broker"
	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	linkmocks "github.com/stacklok/idpbroker/pkg/upstream/link/mocks"
)

func newTestRoutes(t *testing.T, opts ...broker.RouteOption) (http.Handler, *idp) {
	t.Helper()
	provider := newIDP(t)
	cfg := writeBrokerConfig(t, provider.URL)

	ctrl := gomock.NewController(t)
	envReader := envmocks.NewMockReader(ctrl)
	envReader.EXPECT().Getenv("MOCK_CLIENT_SECRET").Return("idp-secret")

	b, err := broker.New(t.Context(), cfg, linkmocks.NewMockSessionService(ctrl), nil,
		broker.WithEnvReader(envReader),
		broker.WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b.Routes(opts...), provider
}

func serve(h http.Handler, method, target string, body url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// authorizeAtIDP follows the broker's redirect to the provider and returns
// the callback parameters the provider sent back.
func authorizeAtIDP(t *testing.T, location string) url.Values {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(location)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	back, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return back.Query()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRoutes_LoginFlow(t *testing.T) {
	t.Parallel()

	h, provider := newTestRoutes(t)

	rec := serve(h, http.MethodGet, "/login/mock?redirect_target=/home&intent=register", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, provider.URL+"/authorize?"))

	params := authorizeAtIDP(t, location)
	rec = serve(h, http.MethodGet, "/callback/mock?"+params.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "registration_required", body["outcome"])
	assert.Equal(t, "mock", body["provider_id"])
	assert.Equal(t, subject, body["subject"])
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "/home", body["redirect_target"])

	// The state is single use.
	rec = serve(h, http.MethodGet, "/callback/mock?"+params.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, brokererrors.CodeAccessDenied, decodeBody(t, rec)["error"])
}

func TestRoutes_FormPostCallback(t *testing.T) {
	t.Parallel()

	var got *broker.LoginResult
	h, _ := newTestRoutes(t, broker.WithLoginHandler(
		func(w http.ResponseWriter, _ *http.Request, result *broker.LoginResult) {
			got = result
			w.WriteHeader(http.StatusNoContent)
		}))

	rec := serve(h, http.MethodGet, "/login/mock", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	params := authorizeAtIDP(t, rec.Header().Get("Location"))

	rec = serve(h, http.MethodPost, "/callback/mock", params)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "mock", got.ProviderID)
	assert.Equal(t, subject, got.Identity.Subject)
}

func TestRoutes_Errors(t *testing.T) {
	t.Parallel()

	h, _ := newTestRoutes(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown provider",
			method:     http.MethodGet,
			target:     "/login/nobody",
			wantStatus: http.StatusNotFound,
			wantError:  brokererrors.CodeProviderUnavailable,
		},
		{
			name:       "disabled provider",
			method:     http.MethodGet,
			target:     "/login/retired",
			wantStatus: http.StatusNotFound,
			wantError:  brokererrors.CodeProviderUnavailable,
		},
		{
			name:       "foreign redirect target",
			method:     http.MethodGet,
			target:     "/login/mock?redirect_target=" + url.QueryEscape("https://evil.example/phish"),
			wantStatus: http.StatusBadRequest,
			wantError:  brokererrors.CodeInvalidRequest,
		},
		{
			name:       "unknown intent",
			method:     http.MethodGet,
			target:     "/login/mock?intent=delete",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unknown state",
			method:     http.MethodGet,
			target:     "/callback/mock?state=unknown&code=x",
			wantStatus: http.StatusBadRequest,
			wantError:  brokererrors.CodeAccessDenied,
		},
		{
			name:       "missing logout token",
			method:     http.MethodPost,
			target:     "/backchannel-logout/mock",
			body:       url.Values{},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "malformed logout token",
			method:     http.MethodPost,
			target:     "/backchannel-logout/mock",
			body:       url.Values{"logout_token": {"not-a-jwt"}},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decodeBody(t, rec)["error"])
		})
	}
}

func TestRoutes_Operational(t *testing.T) {
	t.Parallel()

	h, _ := newTestRoutes(t)

	rec := serve(h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = serve(h, http.MethodGet, "/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	// Trigger one authorization so a counter has a sample.
	serve(h, http.MethodGet, "/login/mock", nil)
	rec = serve(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "idpbroker_authorizations_total")
}
