// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth provides shared RFC-defined types and constants for OAuth 2.0
// and OpenID Connect used by the upstream provider engine: the discovery
// document, PKCE and client assertion constants, and the backchannel logout
// event identifier.
package oauth
