// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// Link binds an upstream subject at one provider to a local account.
// The pair (ProviderID, Subject) is unique.
type Link struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Subject    string    `json:"subject"`
	AccountID  string    `json:"account_id"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Well-known attribute names filled into dedicated NormalizedIdentity fields.
const (
	AttributeDisplayName = "display_name"
	AttributeEmail       = "email"
)

// AttributeSource tells where an imported attribute value came from.
type AttributeSource string

const (
	// SourceProvider means the value came from upstream claims.
	SourceProvider AttributeSource = "provider"
	// SourceLocal means an existing local value was kept.
	SourceLocal AttributeSource = "local"
)

// ImportedAttribute is one attribute produced by the claims import.
type ImportedAttribute struct {
	Name   string          `json:"name"`
	Value  string          `json:"value"`
	Source AttributeSource `json:"source"`
}

// NormalizedIdentity is the provider-independent view of an upstream user.
type NormalizedIdentity struct {
	Subject       string              `json:"subject"`
	DisplayName   string              `json:"display_name,omitempty"`
	Email         string              `json:"email,omitempty"`
	EmailVerified bool                `json:"email_verified,omitempty"`
	Attributes    []ImportedAttribute `json:"attributes,omitempty"`
	// UpstreamSessionID is the provider's sid claim, if any.
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
}

// Label returns a human readable label for a link created from this identity.
func (n *NormalizedIdentity) Label() string {
	switch {
	case n.DisplayName != "":
		return n.DisplayName
	case n.Email != "":
		return n.Email
	default:
		return n.Subject
	}
}

// Attribute returns the value of the named attribute.
func (n *NormalizedIdentity) Attribute(name string) (string, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}
