// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

// writeCLIConfig writes a config with a sqlite store so state survives
// between command invocations.
func writeCLIConfig(t *testing.T) (configPath, keyPath string) {
	t.Helper()
	dir := t.TempDir()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	keyPath = filepath.Join(dir, "secret.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600))

	content := fmt.Sprintf(`
callback_base_url: https://broker.example.com/callback
secret_key_file: %s
storage:
  type: sqlite
  sqlite_path: %s
providers:
  - id: acme
    human_name: Acme SSO
    issuer: https://sso.acme.example
    scope: openid email
    client_id: acme-client
    client_secret: acme-secret
  - id: legacy
    scope: profile
    client_id: legacy-client
    token_endpoint_auth_method: none
    discovery_mode: disabled
    authorization_endpoint: https://legacy.example/authorize
    token_endpoint: https://legacy.example/token
`, keyPath, filepath.Join(dir, "broker.db"))

	configPath = filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, keyPath
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProvidersLifecycle(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, "", "--config", configPath, "providers", "import")
	require.NoError(t, err)
	assert.Equal(t, "Imported 2 providers\n", out)

	out, err = runCLI(t, "", "--config", configPath, "providers", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Acme SSO")
	assert.Contains(t, out, "client_secret_basic")
	assert.Contains(t, out, "legacy")
	assert.NotContains(t, out, "acme-secret")

	out, err = runCLI(t, "", "--config", configPath, "providers", "disable", "legacy")
	require.NoError(t, err)
	assert.Equal(t, "Disabled provider legacy\n", out)

	out, err = runCLI(t, "", "--config", configPath, "providers", "list", "--format", "json")
	require.NoError(t, err)
	var enabled []providerView
	require.NoError(t, json.Unmarshal([]byte(out), &enabled))
	require.Len(t, enabled, 1)
	assert.Equal(t, "acme", enabled[0].ID)

	out, err = runCLI(t, "", "--config", configPath, "providers", "list", "--all", "--format", "yaml")
	require.NoError(t, err)
	var all []providerView
	require.NoError(t, yaml.Unmarshal([]byte(out), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "legacy", all[1].ID)
	assert.NotNil(t, all[1].DisabledAt)

	_, err = runCLI(t, "", "--config", configPath, "providers", "disable", "missing")
	require.Error(t, err)

	_, err = runCLI(t, "", "--config", configPath, "providers", "list", "--format", "xml")
	require.ErrorContains(t, err, `unknown format "xml"`)
}

func TestProvidersList_Empty(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, "", "--config", configPath, "providers", "list")
	require.NoError(t, err)
	assert.Equal(t, "No providers found\n", out)
}

func TestSecretsEncrypt(t *testing.T) {
	configPath, keyPath := writeCLIConfig(t)

	out, err := runCLI(t, "  upstream-secret \n", "--config", configPath, "secrets", "encrypt")
	require.NoError(t, err)
	sealed := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(sealed, "v1."))

	key, err := secrets.LoadKeyFile(keyPath)
	require.NoError(t, err)
	envelope, err := secrets.NewEnvelope(key)
	require.NoError(t, err)
	plain, err := envelope.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "upstream-secret", plain)

	_, err = runCLI(t, "\n", "--config", configPath, "secrets", "encrypt")
	require.ErrorContains(t, err, "secret is empty")
}

func TestSecretsGenerateKey(t *testing.T) {
	out, err := runCLI(t, "", "secrets", "generate-key")
	require.NoError(t, err)

	key, err := secrets.ParseKey(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestValidate(t *testing.T) {
	configPath, _ := writeCLIConfig(t)

	out, err := runCLI(t, "", "--config", configPath, "validate")
	require.NoError(t, err)
	assert.Equal(t, "Configuration is valid (2 providers)\n", out)

	_, err = runCLI(t, "", "validate")
	require.ErrorContains(t, err, "no configuration file specified")
}

func TestPrintProviders_Table(t *testing.T) {
	t.Parallel()

	disabled := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	providers := []*types.Provider{
		{ID: "acme", HumanName: "Acme", Issuer: "https://sso.acme.example",
			TokenEndpointAuthMethod: types.ClientAuthSecretPost, DiscoveryMode: types.DiscoveryOIDC},
		{ID: "old", TokenEndpointAuthMethod: types.ClientAuthNone, DiscoveryMode: types.DiscoveryDisabled,
			DisabledAt: &disabled},
	}

	var buf bytes.Buffer
	require.NoError(t, printProviders(&buf, providers, FormatText))
	out := buf.String()
	assert.Contains(t, out, "client_secret_post")
	assert.Contains(t, out, "enabled")
	assert.Contains(t, out, "disabled")
}
