// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"time"
)

// tokenExpirationBuffer is the time buffer before actual expiration to consider a token expired.
const tokenExpirationBuffer = 30 * time.Second

// Tokens represents the tokens obtained from an upstream provider's token endpoint.
type Tokens struct {
	// AccessToken is the access token from the upstream provider.
	AccessToken string

	// RefreshToken is the refresh token from the upstream provider (if provided).
	RefreshToken string

	// IDToken is the raw ID token (for OIDC).
	IDToken string

	// TokenType is the token type, usually "Bearer".
	TokenType string

	// ExpiresAt is when the access token expires. Zero when the provider did not say.
	ExpiresAt time.Time
}

// IsExpired returns true if the access token has expired or will expire within the buffer period.
// Returns true for nil receivers; tokens without an expiry never expire.
func (t *Tokens) IsExpired(now time.Time) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(tokenExpirationBuffer).After(t.ExpiresAt)
}
