// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets seals provider client secrets at rest.
//
// The broker never stores a plaintext client secret: configuration importers
// call Encrypt once and the engine calls Decrypt only when it needs to
// authenticate to a token endpoint or verify an HMAC signature.
package secrets

import "errors"

// ErrDecryptionFailed is returned when a sealed value cannot be opened.
var ErrDecryptionFailed = errors.New("failed to decrypt secret")

// Service encrypts and decrypts opaque secret values.
type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
