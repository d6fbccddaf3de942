// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	e, err := NewEnvelope(key)
	require.NoError(t, err)
	return e
}

func TestEnvelope_SealAndOpen(t *testing.T) {
	t.Parallel()

	e := newTestEnvelope(t)

	sealed, err := e.Encrypt("s3cr3t")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1."))
	assert.NotContains(t, sealed, "s3cr3t")

	again, err := e.Encrypt("s3cr3t")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal uses a fresh nonce")

	plain, err := e.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", plain)
}

func TestEnvelope_DecryptRejectsTampering(t *testing.T) {
	t.Parallel()

	e := newTestEnvelope(t)
	other := newTestEnvelope(t)

	sealed, err := e.Encrypt("s3cr3t")
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = e.Decrypt("plaintext-secret")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = e.Decrypt("v1.AAAA")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewEnvelope_KeySize(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope([]byte("short"))
	require.Error(t, err)
}

func TestLoadKeyFile(t *testing.T) {
	t.Parallel()

	key, err := GenerateKey()
	require.NoError(t, err)
	dir := t.TempDir()

	for name, encoded := range map[string]string{
		"hex":    hex.EncodeToString(key),
		"base64": base64.StdEncoding.EncodeToString(key) + "\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(encoded), 0o600))

		got, err := LoadKeyFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, key, got, name)
	}

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("too-short"), 0o600))
	_, err = LoadKeyFile(bad)
	assert.Error(t, err)
}
