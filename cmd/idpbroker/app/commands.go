// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the idpbroker command-line application.
package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/idpbroker/pkg/logger"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream/config"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// NewRootCmd creates a new root command for the idpbroker CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "idpbroker",
		DisableAutoGenTag: true,
		Short:             "Manage the upstream identity providers of the broker",
		Long: `idpbroker manages the catalog of upstream identity providers used by the broker.

Providers are declared in the broker configuration file and imported into the
configured storage backend. Client secrets are sealed with the broker secret key
before they are stored.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("error displaying help", "error", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the broker configuration file")

	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newSecretsCmd())
	rootCmd.AddCommand(newValidateCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the broker configuration file: YAML syntax, required fields,
enumeration values and provider settings. Nothing is written to storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// Seal with a throwaway key so provider settings get fully checked.
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			envelope, err := secrets.NewEnvelope(key)
			if err != nil {
				return err
			}
			if _, err := cfg.LoadProviders(envelope, &env.OSReader{}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%d providers)\n", len(cfg.Providers))
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("no configuration file specified, use --config flag")
	}
	logger.Debugw("loading configuration", "path", path)
	return config.Load(path)
}
