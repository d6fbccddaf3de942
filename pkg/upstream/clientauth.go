// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/oauth"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

const (
	// clientAssertionLifetime is the validity of client assertion JWTs.
	clientAssertionLifetime = 5 * time.Minute

	defaultClientSecretJWTAlg = "HS256"
)

// clientAuthentication is how the token request authenticates the broker.
type clientAuthentication struct {
	style  oauth2.AuthStyle
	secret string
	opts   []oauth2.AuthCodeOption
}

// authenticateClient prepares client authentication for p's token endpoint.
func (e *Exchanger) authenticateClient(p *types.Provider, tokenEndpoint string) (*clientAuthentication, error) {
	switch p.TokenEndpointAuthMethod {
	case types.ClientAuthNone:
		return &clientAuthentication{style: oauth2.AuthStyleInParams}, nil

	case types.ClientAuthSecretBasic, types.ClientAuthSecretPost:
		secret, err := decryptClientSecret(e.secrets, p)
		if err != nil {
			return nil, err
		}
		style := oauth2.AuthStyleInHeader
		if p.TokenEndpointAuthMethod == types.ClientAuthSecretPost {
			style = oauth2.AuthStyleInParams
		}
		return &clientAuthentication{style: style, secret: secret}, nil

	case types.ClientAuthSecretJWT:
		secret, err := decryptClientSecret(e.secrets, p)
		if err != nil {
			return nil, err
		}
		alg := p.TokenEndpointSigningAlg
		if alg == "" {
			alg = defaultClientSecretJWTAlg
		}
		assertion, err := signClientAssertion(p.ClientID, tokenEndpoint, alg, "", []byte(secret), e.now())
		if err != nil {
			return nil, err
		}
		return &clientAuthentication{style: oauth2.AuthStyleInParams, opts: assertionOptions(assertion)}, nil

	case types.ClientAuthPrivateKeyJWT:
		key, err := e.keystore.SignerFor(p.TokenEndpointSigningAlg)
		if err != nil {
			return nil, brokererrors.NewConfigurationError(
				fmt.Sprintf("no signing key for provider %q", p.ID), err)
		}
		assertion, err := signClientAssertion(p.ClientID, tokenEndpoint, key.Algorithm, key.KeyID, key.Key, e.now())
		if err != nil {
			return nil, err
		}
		return &clientAuthentication{style: oauth2.AuthStyleInParams, opts: assertionOptions(assertion)}, nil

	default:
		return nil, brokererrors.NewConfigurationError(
			fmt.Sprintf("unknown token endpoint auth method %q", p.TokenEndpointAuthMethod), nil)
	}
}

// signClientAssertion creates an RFC 7523 client assertion.
func signClientAssertion(clientID, audience, alg, kid string, key any, now time.Time) (string, error) {
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", brokererrors.NewConfigurationError(fmt.Sprintf("unsupported client assertion algorithm %q", alg), nil)
	}

	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientAssertionLifetime)),
	})
	if kid != "" {
		token.Header["kid"] = kid
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", brokererrors.NewConfigurationError("failed to sign client assertion", err)
	}
	return signed, nil
}

func assertionOptions(assertion string) []oauth2.AuthCodeOption {
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam(oauth.ParamClientAssertionType, oauth.ClientAssertionTypeJWTBearer),
		oauth2.SetAuthURLParam(oauth.ParamClientAssertion, assertion),
	}
}
