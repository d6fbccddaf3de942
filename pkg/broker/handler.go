// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/upstream"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// LoginHandlerFunc renders a completed login. The default writes the
// result as JSON, or redirects to RedirectTarget once a local session exists.
type LoginHandlerFunc func(w http.ResponseWriter, r *http.Request, result *LoginResult)

// RouteOption configures the routes returned by Routes.
type RouteOption func(*routes)

type routes struct {
	broker  *Broker
	onLogin LoginHandlerFunc
}

// WithLoginHandler replaces the default callback response.
func WithLoginHandler(fn LoginHandlerFunc) RouteOption {
	return func(r *routes) {
		r.onLogin = fn
	}
}

// Routes returns a router serving the browser and provider facing endpoints.
func (b *Broker) Routes(opts ...RouteOption) http.Handler {
	h := &routes{broker: b, onLogin: defaultLoginHandler}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	h.upstreamRoutes(r)
	r.Get("/.well-known/jwks.json", h.jwks)
	r.Get("/health", h.health)
	if b.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// upstreamRoutes registers login, callback and backchannel logout endpoints.
// Callbacks accept POST for providers using response_mode=form_post.
func (h *routes) upstreamRoutes(r chi.Router) {
	r.Get("/login/{provider}", h.login)
	r.Get("/callback/{provider}", h.callback)
	r.Post("/callback/{provider}", h.callback)
	r.Post("/backchannel-logout/{provider}", h.backchannelLogout)
}

// login handles GET /login/{provider}.
func (h *routes) login(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	intent, err := types.ParseIntent(q.Get("intent"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, brokererrors.CodeInvalidRequest, err.Error())
		return
	}

	result, err := h.broker.StartLogin(req.Context(), upstream.AuthorizationRequest{
		ProviderID:     chi.URLParam(req, "provider"),
		RedirectTarget: q.Get("redirect_target"),
		LoginHint:      q.Get("login_hint"),
		Continuation:   types.Continuation{Intent: intent, Data: q.Get("continuation")},
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	http.Redirect(w, req, result.RedirectURL, http.StatusFound)
}

// callback handles the provider redirect back to the broker.
func (h *routes) callback(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, brokererrors.CodeInvalidRequest, "malformed callback")
		return
	}

	result, err := h.broker.CompleteLogin(req.Context(), upstream.ExchangeRequest{
		ProviderID:       chi.URLParam(req, "provider"),
		State:            req.Form.Get("state"),
		Code:             req.Form.Get("code"),
		Error:            req.Form.Get("error"),
		ErrorDescription: req.Form.Get("error_description"),
	})
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	h.onLogin(w, req, result)
}

// backchannelLogout handles POST /backchannel-logout/{provider}.
func (h *routes) backchannelLogout(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if err := req.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, brokererrors.CodeInvalidRequest, "malformed request")
		return
	}
	token := req.PostForm.Get("logout_token")
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, brokererrors.CodeInvalidRequest, "logout_token is required")
		return
	}

	err := h.broker.BackchannelLogout(req.Context(), chi.URLParam(req, "provider"), token)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, brokererrors.ErrLogoutTokenInvalid):
		writeJSONError(w, http.StatusBadRequest, brokererrors.CodeInvalidRequest, "invalid logout token")
	default:
		logger.Warnw("backchannel logout failed", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, brokererrors.CodeTemporarilyUnavailable, "try again later")
	}
}

// jwks publishes the keys used for private_key_jwt client authentication.
func (h *routes) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.broker.keystore.PublicJWKS())
}

func (h *routes) health(w http.ResponseWriter, req *http.Request) {
	if err := h.broker.Health(req.Context()); err != nil {
		logger.Warnw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginResponse struct {
	Outcome        string `json:"outcome"`
	ProviderID     string `json:"provider_id"`
	AccountID      string `json:"account_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Subject        string `json:"subject,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	Email          string `json:"email,omitempty"`
	RedirectTarget string `json:"redirect_target,omitempty"`
}

func defaultLoginHandler(w http.ResponseWriter, req *http.Request, result *LoginResult) {
	if result.SessionID != "" && result.RedirectTarget != "" {
		http.Redirect(w, req, result.RedirectTarget, http.StatusFound)
		return
	}

	resp := loginResponse{
		Outcome:        string(result.Kind),
		ProviderID:     result.ProviderID,
		AccountID:      result.AccountID,
		SessionID:      result.SessionID,
		RedirectTarget: result.RedirectTarget,
	}
	if id := result.Identity; id != nil {
		resp.Subject = id.Subject
		resp.DisplayName = id.DisplayName
		resp.Email = id.Email
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch brokererrors.PublicCode(err) {
	case brokererrors.CodeServerError:
		return http.StatusInternalServerError
	case brokererrors.CodeProviderUnavailable:
		return http.StatusNotFound
	case brokererrors.CodeAlreadyLinked:
		return http.StatusConflict
	case brokererrors.CodeTemporarilyUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

// writeBrokerError logs err and writes a response carrying only the public
// code and message. The error kind stays in the logs.
func writeBrokerError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("upstream login failed", "kind", brokererrors.TypeOf(err), "error", err)
	} else {
		logger.Debugw("upstream login rejected", "kind", brokererrors.TypeOf(err), "error", err)
	}
	writeJSONError(w, status, brokererrors.PublicCode(err), brokererrors.PublicMessage(err))
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}
