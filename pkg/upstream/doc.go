// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the upstream identity provider engine: the
// provider registry, authorization request construction, the callback token
// exchange with ID token and userinfo validation, and claims import.
//
// The flow for one login is:
//
//	Authorizer.Authorize   -> redirect the browser to the provider
//	Exchanger.Exchange     -> consume the callback, validate tokens
//	ImportClaims           -> map claims onto a NormalizedIdentity
//
// Account linking lives in the link subpackage and backchannel logout in the
// backchannel subpackage. Errors leaving this package carry a kind from
// pkg/errors.
package upstream
