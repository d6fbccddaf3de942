// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"fmt"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/networking"
	"github.com/stacklok/idpbroker/pkg/upstream/discovery"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// fetchUserinfo calls the userinfo endpoint with the access token. When
// idTokenSubject is set the response must carry the same sub.
func (e *Exchanger) fetchUserinfo(
	ctx context.Context,
	p *types.Provider,
	endpoints *discovery.Endpoints,
	accessToken, idTokenSubject string,
) (map[string]any, error) {
	if endpoints.UserinfoEndpoint == "" {
		return nil, brokererrors.NewConfigurationError(fmt.Sprintf("provider %q has no userinfo endpoint", p.ID), nil)
	}
	if accessToken == "" {
		return nil, brokererrors.NewUserinfoError("token response has no access token", nil)
	}

	var claims map[string]any
	if p.UserinfoSignedResponseAlg != "" {
		signed, err := e.fetchSignedUserinfo(ctx, p, endpoints, accessToken)
		if err != nil {
			return nil, err
		}
		claims = signed
	} else {
		result, err := networking.FetchJSON[map[string]any](ctx, e.httpClient, endpoints.UserinfoEndpoint,
			networking.WithBearerToken(accessToken))
		if err != nil {
			return nil, brokererrors.NewUserinfoError("userinfo request failed", err)
		}
		claims = result.Data
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, brokererrors.NewUserinfoError("userinfo response has no sub", nil)
	}
	if idTokenSubject != "" && sub != idTokenSubject {
		return nil, brokererrors.NewUserinfoError("userinfo sub does not match id_token sub", nil)
	}
	return claims, nil
}

func (e *Exchanger) fetchSignedUserinfo(
	ctx context.Context, p *types.Provider, endpoints *discovery.Endpoints, accessToken string,
) (map[string]any, error) {
	result, err := networking.FetchBytes(ctx, e.httpClient, endpoints.UserinfoEndpoint,
		networking.WithBearerToken(accessToken),
		networking.WithAccept(networking.ContentTypeJWT))
	if err != nil {
		return nil, brokererrors.NewUserinfoError("userinfo request failed", err)
	}

	verified, err := e.verifier.Verify(ctx, p, endpoints.JWKSURI, string(result.Data), p.UserinfoSignedResponseAlg)
	if err != nil {
		return nil, brokererrors.NewUserinfoError("signed userinfo response is invalid", err)
	}
	if iss := verified.Standard.Issuer; iss != "" && iss != ExpectedIssuer(p, endpoints) {
		return nil, brokererrors.NewUserinfoError("signed userinfo issuer mismatch", nil)
	}
	if aud := verified.Standard.Audience; len(aud) > 0 && !aud.Contains(p.ClientID) {
		return nil, brokererrors.NewUserinfoError("signed userinfo audience mismatch", nil)
	}
	return verified.Claims, nil
}
