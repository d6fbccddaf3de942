// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

const (
	// ResponseTypeCode is the authorization code response type.
	ResponseTypeCode = "code"

	// GrantTypeAuthorizationCode is the authorization code grant type.
	GrantTypeAuthorizationCode = "authorization_code"

	// PKCEMethodS256 is the only PKCE challenge method the broker sends.
	PKCEMethodS256 = "S256"

	// ScopeOpenID marks a request as an OpenID Connect request.
	ScopeOpenID = "openid"

	// ClientAssertionTypeJWTBearer is the client_assertion_type for JWT client
	// authentication (RFC 7523 Section 2.2).
	ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// BackchannelLogoutEvent is the member of the events claim that marks a
	// logout token (OpenID Connect Back-Channel Logout 1.0 Section 2.4).
	BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

	// WellKnownOIDCPath is the discovery document path relative to the issuer.
	WellKnownOIDCPath = "/.well-known/openid-configuration"
)

// Authorization request parameter names.
const (
	ParamResponseType        = "response_type"
	ParamClientID            = "client_id"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamResponseMode        = "response_mode"
	ParamLoginHint           = "login_hint"
	ParamCodeVerifier        = "code_verifier"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
)

// ReservedAuthorizationParams lists the parameters the broker always controls.
// Additional provider parameters with any of these names are ignored.
var ReservedAuthorizationParams = []string{
	ParamResponseType,
	ParamClientID,
	ParamRedirectURI,
	ParamScope,
	ParamState,
	ParamNonce,
	ParamCodeChallenge,
	ParamCodeChallengeMethod,
	ParamResponseMode,
	ParamLoginHint,
}
