// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backchannel

import "context"

//go:generate mockgen -destination=mocks/mock_terminator.go -package=mocks -source=terminator.go SessionTerminator

// TerminationRequest selects the local sessions to end. At least one of
// AccountID and UpstreamSessionID is set.
type TerminationRequest struct {
	ProviderID string
	// AccountID is the account linked to the logout token's sub.
	AccountID string
	// UpstreamSessionID is the logout token's sid.
	UpstreamSessionID string
}

// SessionTerminator ends local sessions.
type SessionTerminator interface {
	// TerminateSessions ends every matching session and returns how many were ended.
	TerminateSessions(ctx context.Context, req TerminationRequest) (int, error)
}
