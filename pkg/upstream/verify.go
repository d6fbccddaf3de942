// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream/jwks"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

const (
	// idTokenLeeway is the clock skew tolerated on exp and nbf.
	idTokenLeeway = 60 * time.Second

	// maxIssuedAtSkew is how far in the future iat may be.
	maxIssuedAtSkew = 5 * time.Minute
)

// KeySource resolves the public key that verifies a token.
type KeySource interface {
	Key(ctx context.Context, providerID, jwksURI, kid, alg string) (any, error)
}

// VerifiedToken is a JWT whose signature has been verified. Its claims have
// not been validated yet.
type VerifiedToken struct {
	// Standard holds the registered claims.
	Standard josejwt.Claims
	// Claims holds every claim of the payload.
	Claims map[string]any
}

// StringClaim returns a string claim, or "" when absent or not a string.
func (t *VerifiedToken) StringClaim(name string) string {
	s, _ := t.Claims[name].(string)
	return s
}

// TokenVerifier verifies JWS-signed tokens issued by upstream providers:
// ID tokens, signed userinfo responses and logout tokens.
type TokenVerifier struct {
	keys    KeySource
	secrets secrets.Service
}

// NewTokenVerifier creates a verifier. HS* tokens are verified with the
// provider's decrypted client secret, everything else with keys.
func NewTokenVerifier(keys KeySource, secretService secrets.Service) *TokenVerifier {
	return &TokenVerifier{keys: keys, secrets: secretService}
}

// Verify parses raw, accepting only alg, and verifies its signature.
func (v *TokenVerifier) Verify(
	ctx context.Context, p *types.Provider, jwksURI, raw, alg string,
) (*VerifiedToken, error) {
	if !types.IsSupportedSigningAlg(alg) {
		return nil, brokererrors.NewConfigurationError(fmt.Sprintf("unsupported signing algorithm %q", alg), nil)
	}

	tok, err := josejwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.SignatureAlgorithm(alg)})
	if err != nil {
		return nil, brokererrors.NewSignatureError("malformed token or unexpected algorithm", err)
	}
	if len(tok.Headers) != 1 {
		return nil, brokererrors.NewSignatureError("token must have exactly one signature", nil)
	}

	key, err := v.verificationKey(ctx, p, jwksURI, tok.Headers[0].KeyID, alg)
	if err != nil {
		return nil, err
	}

	out := &VerifiedToken{Claims: make(map[string]any)}
	if err := tok.Claims(key, &out.Standard, &out.Claims); err != nil {
		return nil, brokererrors.NewSignatureError("signature verification failed", err)
	}
	return out, nil
}

func (v *TokenVerifier) verificationKey(
	ctx context.Context, p *types.Provider, jwksURI, kid, alg string,
) (any, error) {
	if types.IsHMACAlg(alg) {
		secret, err := decryptClientSecret(v.secrets, p)
		if err != nil {
			return nil, err
		}
		return []byte(secret), nil
	}

	key, err := v.keys.Key(ctx, p.ID, jwksURI, kid, alg)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, jwks.ErrKeyNotFound), errors.Is(err, jwks.ErrNoKeySetURL):
		return nil, brokererrors.NewSignatureError("no verification key", err)
	default:
		return nil, brokererrors.NewDiscoveryError("failed to fetch provider key set", err)
	}
}

// decryptClientSecret opens the provider's sealed client secret.
func decryptClientSecret(svc secrets.Service, p *types.Provider) (string, error) {
	if p.EncryptedClientSecret == "" {
		return "", brokererrors.NewConfigurationError(fmt.Sprintf("provider %q has no client secret", p.ID), nil)
	}
	if svc == nil {
		return "", brokererrors.NewConfigurationError("no secret service configured", nil)
	}
	secret, err := svc.Decrypt(p.EncryptedClientSecret)
	if err != nil {
		return "", brokererrors.NewConfigurationError(fmt.Sprintf("failed to decrypt client secret of %q", p.ID), err)
	}
	return secret, nil
}

type idTokenExpectations struct {
	issuer   string
	clientID string
	nonce    string
	now      time.Time
}

// validateIDTokenClaims applies the OpenID Connect Core 3.1.3.7 checks.
func validateIDTokenClaims(tok *VerifiedToken, want idTokenExpectations) error {
	std := tok.Standard

	if std.Issuer == "" || std.Issuer != want.issuer {
		return brokererrors.NewClaimValidationError(
			fmt.Sprintf("issuer mismatch: got %q, want %q", std.Issuer, want.issuer), nil)
	}
	if std.Subject == "" {
		return brokererrors.NewClaimValidationError("missing sub", nil)
	}
	if !std.Audience.Contains(want.clientID) {
		return brokererrors.NewClaimValidationError("audience does not contain the client id", nil)
	}
	azp := tok.StringClaim("azp")
	if len(std.Audience) > 1 && azp == "" {
		return brokererrors.NewClaimValidationError("azp is required with multiple audiences", nil)
	}
	if azp != "" && azp != want.clientID {
		return brokererrors.NewClaimValidationError("azp does not match the client id", nil)
	}
	if std.Expiry == nil {
		return brokererrors.NewClaimValidationError("missing exp", nil)
	}
	if !want.now.Before(std.Expiry.Time().Add(idTokenLeeway)) {
		return brokererrors.NewClaimValidationError("token expired", nil)
	}
	if std.IssuedAt == nil {
		return brokererrors.NewClaimValidationError("missing iat", nil)
	}
	if std.IssuedAt.Time().After(want.now.Add(maxIssuedAtSkew)) {
		return brokererrors.NewClaimValidationError("token issued in the future", nil)
	}
	if std.NotBefore != nil && want.now.Add(idTokenLeeway).Before(std.NotBefore.Time()) {
		return brokererrors.NewClaimValidationError("token not yet valid", nil)
	}
	if want.nonce != "" {
		got := tok.StringClaim("nonce")
		if got == "" {
			return brokererrors.NewClaimValidationError("missing nonce", nil)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want.nonce)) != 1 {
			return brokererrors.NewClaimValidationError("nonce mismatch", nil)
		}
	}
	return nil
}
