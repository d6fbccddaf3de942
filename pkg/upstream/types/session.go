// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// DefaultAuthorizationSessionTTL is how long a user has to come back from the provider.
const DefaultAuthorizationSessionTTL = 10 * time.Minute

// Continuation is what the broker should do once the upstream login completes.
type Continuation struct {
	Intent Intent `json:"intent"`
	// Data is opaque caller state round-tripped through the session.
	Data string `json:"data,omitempty"`
}

// AuthorizationSession is the state kept between the redirect to a provider
// and the provider's callback.
type AuthorizationSession struct {
	ID             string `json:"id"`
	ProviderID     string `json:"provider_id"`
	State          string `json:"state"`
	Nonce          string `json:"nonce,omitempty"`
	CodeVerifier   string `json:"code_verifier,omitempty"`
	RedirectTarget string `json:"redirect_target,omitempty"`
	// RedirectURI is the callback URI sent to the provider; the token request must repeat it.
	RedirectURI  string       `json:"redirect_uri"`
	Continuation Continuation `json:"continuation"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Completed reports whether the session has been consumed.
func (s *AuthorizationSession) Completed() bool {
	return s.CompletedAt != nil
}

// Expired reports whether the session is past its expiry at now.
func (s *AuthorizationSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of s.
func (s *AuthorizationSession) Clone() *AuthorizationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
