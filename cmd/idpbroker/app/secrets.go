// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/idpbroker/pkg/broker"
	"github.com/stacklok/idpbroker/pkg/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the secret key and sealed client secrets",
	}
	cmd.AddCommand(newSecretsGenerateKeyCmd())
	cmd.AddCommand(newSecretsEncryptCmd())
	return cmd
}

func newSecretsGenerateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a new hex encoded secret key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}

func newSecretsEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Seal a client secret read from stdin",
		Long: `Seal a client secret with the key named by secret_key_file in the configuration.
The secret is read from the first line of stdin so it does not end up in the shell history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.SecretKeyFile == "" {
				return errors.New("secret_key_file is not configured")
			}
			svc, err := broker.LoadSecretService(cfg.SecretKeyFile)
			if err != nil {
				return err
			}

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			secret := strings.TrimSpace(line)
			if secret == "" {
				if err != nil {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				return errors.New("secret is empty")
			}

			sealed, err := svc.Encrypt(secret)
			if err != nil {
				return fmt.Errorf("failed to seal secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
