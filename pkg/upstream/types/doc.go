// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package types holds the data model shared by the upstream provider engine,
// its storage backends and its configuration loader.
//
// All enumerations are closed: the Parse functions reject unknown values so a
// misconfigured provider fails at load time instead of at first login.
package types
