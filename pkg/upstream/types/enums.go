// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// ClientAuthMethod is how the broker authenticates to a provider's token endpoint.
type ClientAuthMethod string

const (
	// ClientAuthNone sends only the client_id.
	ClientAuthNone ClientAuthMethod = "none"
	// ClientAuthSecretBasic sends the client credentials in an HTTP Basic header.
	ClientAuthSecretBasic ClientAuthMethod = "client_secret_basic"
	// ClientAuthSecretPost sends the client credentials in the request body.
	ClientAuthSecretPost ClientAuthMethod = "client_secret_post"
	// ClientAuthSecretJWT sends a JWT assertion MACed with the client secret.
	ClientAuthSecretJWT ClientAuthMethod = "client_secret_jwt"
	// ClientAuthPrivateKeyJWT sends a JWT assertion signed with a broker key.
	ClientAuthPrivateKeyJWT ClientAuthMethod = "private_key_jwt"
)

// ParseClientAuthMethod validates s as a ClientAuthMethod. The empty string
// maps to client_secret_basic.
func ParseClientAuthMethod(s string) (ClientAuthMethod, error) {
	switch m := ClientAuthMethod(s); m {
	case "":
		return ClientAuthSecretBasic, nil
	case ClientAuthNone, ClientAuthSecretBasic, ClientAuthSecretPost, ClientAuthSecretJWT, ClientAuthPrivateKeyJWT:
		return m, nil
	default:
		return "", fmt.Errorf("unknown token endpoint auth method %q", s)
	}
}

// UsesClientSecret reports whether the method needs the provider's client secret.
func (m ClientAuthMethod) UsesClientSecret() bool {
	return m == ClientAuthSecretBasic || m == ClientAuthSecretPost || m == ClientAuthSecretJWT
}

// DiscoveryMode controls how provider metadata is obtained.
type DiscoveryMode string

const (
	// DiscoveryOIDC fetches metadata and requires an exact issuer match.
	DiscoveryOIDC DiscoveryMode = "oidc"
	// DiscoveryInsecure fetches metadata but tolerates a mismatched issuer.
	DiscoveryInsecure DiscoveryMode = "insecure"
	// DiscoveryDisabled uses only the configured endpoints.
	DiscoveryDisabled DiscoveryMode = "disabled"
)

// ParseDiscoveryMode validates s as a DiscoveryMode. The empty string maps to oidc.
func ParseDiscoveryMode(s string) (DiscoveryMode, error) {
	switch m := DiscoveryMode(s); m {
	case "":
		return DiscoveryOIDC, nil
	case DiscoveryOIDC, DiscoveryInsecure, DiscoveryDisabled:
		return m, nil
	default:
		return "", fmt.Errorf("unknown discovery mode %q", s)
	}
}

// PKCEMode controls whether a PKCE challenge is sent.
type PKCEMode string

const (
	// PKCEAuto sends PKCE when the provider advertises S256 support or is allow-listed.
	PKCEAuto PKCEMode = "auto"
	// PKCEAlways always sends PKCE.
	PKCEAlways PKCEMode = "always"
	// PKCENever never sends PKCE.
	PKCENever PKCEMode = "never"
)

// ParsePKCEMode validates s as a PKCEMode. The empty string maps to auto.
func ParsePKCEMode(s string) (PKCEMode, error) {
	switch m := PKCEMode(s); m {
	case "":
		return PKCEAuto, nil
	case PKCEAuto, PKCEAlways, PKCENever:
		return m, nil
	default:
		return "", fmt.Errorf("unknown PKCE mode %q", s)
	}
}

// ResponseMode is the OAuth2 response_mode requested from the provider.
type ResponseMode string

const (
	// ResponseModeDefault omits response_mode.
	ResponseModeDefault ResponseMode = ""
	// ResponseModeQuery returns the code in the query string.
	ResponseModeQuery ResponseMode = "query"
	// ResponseModeFormPost returns the code in a POSTed form.
	ResponseModeFormPost ResponseMode = "form_post"
)

// ParseResponseMode validates s as a ResponseMode.
func ParseResponseMode(s string) (ResponseMode, error) {
	switch m := ResponseMode(s); m {
	case ResponseModeDefault, ResponseModeQuery, ResponseModeFormPost:
		return m, nil
	default:
		return "", fmt.Errorf("unknown response mode %q", s)
	}
}

// BackchannelLogoutAction is what happens when a valid logout token arrives.
type BackchannelLogoutAction string

const (
	// BackchannelDoNothing ignores logout tokens after validation.
	BackchannelDoNothing BackchannelLogoutAction = "do_nothing"
	// BackchannelLogOnly records the event without terminating sessions.
	BackchannelLogOnly BackchannelLogoutAction = "log_only"
	// BackchannelLogoutSession terminates the matching local sessions.
	BackchannelLogoutSession BackchannelLogoutAction = "logout_session"
)

// ParseBackchannelLogoutAction validates s. The empty string maps to do_nothing.
func ParseBackchannelLogoutAction(s string) (BackchannelLogoutAction, error) {
	switch a := BackchannelLogoutAction(s); a {
	case "":
		return BackchannelDoNothing, nil
	case BackchannelDoNothing, BackchannelLogOnly, BackchannelLogoutSession:
		return a, nil
	default:
		return "", fmt.Errorf("unknown backchannel logout action %q", s)
	}
}

// ConflictPolicy decides between a provider value and an existing local value.
type ConflictPolicy string

const (
	// ConflictOverwrite replaces the local value with the provider value.
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictPreferLocal keeps a non-empty local value.
	ConflictPreferLocal ConflictPolicy = "prefer_local"
)

// ParseConflictPolicy validates s. The empty string maps to overwrite.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case "":
		return ConflictOverwrite, nil
	case ConflictOverwrite, ConflictPreferLocal:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Intent is what the user asked for when starting an authorization.
type Intent string

const (
	// IntentLogin logs into the account linked to the upstream identity.
	IntentLogin Intent = "login"
	// IntentLink links the upstream identity to the currently authenticated account.
	IntentLink Intent = "link"
	// IntentRegister starts registration when no link exists.
	IntentRegister Intent = "register"
)

// ParseIntent validates s. The empty string maps to login.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(s); i {
	case "":
		return IntentLogin, nil
	case IntentLogin, IntentLink, IntentRegister:
		return i, nil
	default:
		return "", fmt.Errorf("unknown intent %q", s)
	}
}
