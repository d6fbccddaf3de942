// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker's YAML configuration: the engine settings
// and the upstream provider catalog.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/stacklok/idpbroker/pkg/keys"
	"github.com/stacklok/idpbroker/pkg/upstream/storage"
)

// Config is the complete broker configuration.
type Config struct {
	// CallbackBaseURL is where providers send users back to, one path segment per provider.
	CallbackBaseURL string        `mapstructure:"callback_base_url" validate:"required,url"`
	SessionTTL      time.Duration `mapstructure:"session_ttl" validate:"gte=0"`
	// PKCEAllowList lists providers that get PKCE in auto mode without advertising it.
	PKCEAllowList []string `mapstructure:"pkce_allow_list"`
	// AllowedRedirectOrigins lists origins accepted as absolute post-login redirect targets.
	AllowedRedirectOrigins []string `mapstructure:"allowed_redirect_origins" validate:"dive,url"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	JWKS      JWKSConfig      `mapstructure:"jwks"`
	Storage   storage.Config  `mapstructure:"storage"`

	// SecretKeyFile holds the key of the client secret envelope.
	SecretKeyFile string `mapstructure:"secret_key_file"`
	// SigningKeys are used for private_key_jwt client authentication.
	SigningKeys []keys.KeyConfig `mapstructure:"signing_keys" validate:"dive"`

	Providers []ProviderConfig `mapstructure:"providers" validate:"dive"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" validate:"gte=0"`
	CABundle        string        `mapstructure:"ca_bundle"`
	AllowPrivateIPs bool          `mapstructure:"allow_private_ips"`
}

// DiscoveryConfig tunes the discovery cache.
type DiscoveryConfig struct {
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
	MaxEntries int           `mapstructure:"max_entries" validate:"gte=0"`
	StaleWait  time.Duration `mapstructure:"stale_wait" validate:"gte=0"`
}

// JWKSConfig tunes the key set cache.
type JWKSConfig struct {
	MaxEntries         int           `mapstructure:"max_entries" validate:"gte=0"`
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval" validate:"gte=0"`
}

// Load reads and validates the YAML file at path. Values can be overridden
// by IDPBROKER_* environment variables, e.g. IDPBROKER_STORAGE_TYPE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("idpbroker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("http.timeout", "10s")
	v.SetDefault("session_ttl", "10m")
}

// Validate checks struct constraints and provider ID uniqueness.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			return formatValidationErrors(fieldErrs)
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("invalid config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func formatValidationErrors(errs validator.ValidationErrors) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "required_if":
			messages = append(messages, field+" is required when "+e.Param())
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), e.Value()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, e.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}
