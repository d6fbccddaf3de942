// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	brokererrors "github.com/stacklok/idpbroker/pkg/errors"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// defaultClaimsImports is used when a provider declares no rules.
var defaultClaimsImports = []types.ClaimsImportRule{
	{Claim: "name", Attribute: types.AttributeDisplayName, OnConflict: types.ConflictOverwrite},
	{Claim: "email", Attribute: types.AttributeEmail, OnConflict: types.ConflictOverwrite},
}

// ImportClaims maps upstream claims onto local attributes. local holds the
// account's current attribute values and may be nil. The result depends only
// on the arguments; attributes appear in rule order.
func ImportClaims(
	claims map[string]any, rules []types.ClaimsImportRule, local map[string]string,
) (*types.NormalizedIdentity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, brokererrors.NewClaimValidationError("claims have no sub", nil)
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, brokererrors.NewClaimValidationError("claims are not serializable", err)
	}

	if len(rules) == 0 {
		rules = defaultClaimsImports
	}

	identity := &types.NormalizedIdentity{Subject: sub}
	identity.UpstreamSessionID, _ = claims["sid"].(string)

	for _, rule := range rules {
		value, found := claimValue(raw, rule.Claim)
		if !found {
			if rule.Required {
				return nil, brokererrors.NewClaimValidationError(
					fmt.Sprintf("required claim %q is missing", rule.Claim), nil)
			}
			continue
		}

		attr := types.ImportedAttribute{Name: rule.Attribute, Value: value, Source: types.SourceProvider}
		if rule.OnConflict == types.ConflictPreferLocal {
			if existing := local[rule.Attribute]; existing != "" {
				attr.Value = existing
				attr.Source = types.SourceLocal
			}
		}
		setAttribute(identity, attr)

		// EmailVerified follows whichever rule supplied the final email.
		if rule.Attribute == types.AttributeEmail {
			identity.EmailVerified = rule.Claim == "email" && attr.Source == types.SourceProvider &&
				gjson.GetBytes(raw, "email_verified").Bool()
		}
	}

	identity.DisplayName, _ = identity.Attribute(types.AttributeDisplayName)
	identity.Email, _ = identity.Attribute(types.AttributeEmail)
	return identity, nil
}

// claimValue renders the claim at path as a string. Empty strings and nulls
// count as missing.
func claimValue(raw []byte, path string) (string, bool) {
	result := gjson.GetBytes(raw, path)
	switch result.Type {
	case gjson.String:
		return result.Str, result.Str != ""
	case gjson.Number, gjson.True, gjson.False, gjson.JSON:
		return result.Raw, true
	case gjson.Null:
		return "", false
	default:
		return "", false
	}
}

// setAttribute adds attr, replacing an earlier value of the same name in place.
func setAttribute(identity *types.NormalizedIdentity, attr types.ImportedAttribute) {
	for i := range identity.Attributes {
		if identity.Attributes[i].Name == attr.Name {
			identity.Attributes[i] = attr
			return
		}
	}
	identity.Attributes = append(identity.Attributes, attr)
}
