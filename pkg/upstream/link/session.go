// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package link

import "context"

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks -source=session.go SessionService

// SessionInfo describes the upstream login behind a new local session.
type SessionInfo struct {
	ProviderID string
	Subject    string
	// UpstreamSessionID is the provider's sid, kept for backchannel logout.
	UpstreamSessionID string
}

// SessionService is the local account and session layer.
type SessionService interface {
	// CurrentAccount returns the account of the caller's current session,
	// or "" when the caller is not logged in.
	CurrentAccount(ctx context.Context) (string, error)

	// CreateSession logs accountID in and returns the new session ID.
	CreateSession(ctx context.Context, accountID string, info SessionInfo) (string, error)

	// AccountAttributes returns the account's current attribute values.
	AccountAttributes(ctx context.Context, accountID string) (map[string]string, error)
}
