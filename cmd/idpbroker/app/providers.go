// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/idpbroker/pkg/broker"
	"github.com/stacklok/idpbroker/pkg/secrets"
	"github.com/stacklok/idpbroker/pkg/upstream"
	"github.com/stacklok/idpbroker/pkg/upstream/types"
)

func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage upstream identity providers",
	}
	cmd.AddCommand(newProvidersImportCmd())
	cmd.AddCommand(newProvidersListCmd())
	cmd.AddCommand(newProvidersDisableCmd())
	return cmd
}

func newProvidersImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import the configured providers into storage",
		Long: `Import every provider declared in the configuration file into the configured
storage backend. Existing providers with the same ID are replaced and re-enabled
unless they are marked disabled in the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var svc secrets.Service
			if cfg.SecretKeyFile != "" {
				if svc, err = broker.LoadSecretService(cfg.SecretKeyFile); err != nil {
					return err
				}
			}
			return withRegistry(cmd, func(ctx context.Context, registry *upstream.Registry) error {
				if err := broker.ImportProviders(ctx, registry, cfg, svc, &env.OSReader{}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d providers\n", len(cfg.Providers))
				return nil
			})
		},
	}
}

func newProvidersListCmd() *cobra.Command {
	var (
		all    bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(ctx context.Context, registry *upstream.Registry) error {
				providers, err := registry.List(ctx, all)
				if err != nil {
					return fmt.Errorf("failed to list providers: %w", err)
				}
				return printProviders(cmd.OutOrStdout(), providers, format)
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include disabled providers")
	cmd.Flags().StringVar(&format, "format", FormatText, "Output format (text, json or yaml)")
	return cmd
}

func newProvidersDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a provider",
		Long: `Disable a provider. New logins are refused; existing links stay resolvable
and backchannel logout keeps working.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd, func(ctx context.Context, registry *upstream.Registry) error {
				if err := registry.Disable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Disabled provider %s\n", args[0])
				return nil
			})
		},
	}
}

// withRegistry opens the configured storage for the duration of fn.
func withRegistry(cmd *cobra.Command, fn func(context.Context, *upstream.Registry) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := broker.NewStorage(ctx, &cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, upstream.NewRegistry(store))
}

// providerView is the printable form of a provider. It never carries the secret.
type providerView struct {
	ID            string     `json:"id" yaml:"id"`
	Name          string     `json:"name,omitempty" yaml:"name,omitempty"`
	Issuer        string     `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	ClientID      string     `json:"client_id" yaml:"client_id"`
	Scope         string     `json:"scope,omitempty" yaml:"scope,omitempty"`
	AuthMethod    string     `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
	DiscoveryMode string     `json:"discovery_mode" yaml:"discovery_mode"`
	PKCEMode      string     `json:"pkce_mode" yaml:"pkce_mode"`
	Backchannel   string     `json:"on_backchannel_logout" yaml:"on_backchannel_logout"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	DisabledAt    *time.Time `json:"disabled_at,omitempty" yaml:"disabled_at,omitempty"`
}

func newProviderView(p *types.Provider) providerView {
	return providerView{
		ID:            p.ID,
		Name:          p.HumanName,
		Issuer:        p.Issuer,
		ClientID:      p.ClientID,
		Scope:         p.Scope,
		AuthMethod:    string(p.TokenEndpointAuthMethod),
		DiscoveryMode: string(p.DiscoveryMode),
		PKCEMode:      string(p.PKCEMode),
		Backchannel:   string(p.OnBackchannelLogout),
		CreatedAt:     p.CreatedAt,
		DisabledAt:    p.DisabledAt,
	}
}

func printProviders(w io.Writer, providers []*types.Provider, format string) error {
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, newProviderView(p))
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return enc.Close()
	case FormatText, "":
		return printProvidersTable(w, views)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printProvidersTable(w io.Writer, views []providerView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No providers found")
		return err
	}

	headers := []string{"ID", "Name", "Issuer", "Auth Method", "Discovery", "Status"}
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)

	for _, v := range views {
		status := "enabled"
		if v.DisabledAt != nil {
			status = "disabled"
		}
		if err := table.Append([]string{v.ID, v.Name, v.Issuer, v.AuthMethod, v.DiscoveryMode, status}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
