// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoKeyForAlgorithm is returned when no configured key can sign with an algorithm.
var ErrNoKeyForAlgorithm = errors.New("no signing key for algorithm")

// KeyConfig describes one signing key on disk.
type KeyConfig struct {
	Path      string `mapstructure:"path" validate:"required"`
	KeyID     string `mapstructure:"kid"`
	Algorithm string `mapstructure:"alg"`
}

// Keystore holds the broker's signing keys.
type Keystore struct {
	keys []*SigningKeyParams
}

// NewKeystore creates a keystore from already loaded keys.
func NewKeystore(keys ...*SigningKeyParams) *Keystore {
	return &Keystore{keys: keys}
}

// LoadKeystore loads every configured key.
func LoadKeystore(configs []KeyConfig) (*Keystore, error) {
	ks := &Keystore{}
	for _, cfg := range configs {
		signer, err := LoadSigningKey(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", cfg.Path, err)
		}
		params, err := DeriveSigningKeyParams(signer, cfg.KeyID, cfg.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", cfg.Path, err)
		}
		ks.keys = append(ks.keys, params)
	}
	return ks, nil
}

// Len returns the number of keys.
func (k *Keystore) Len() int {
	if k == nil {
		return 0
	}
	return len(k.keys)
}

// SignerFor returns the first key able to sign with alg. An empty alg
// selects the first key with its own algorithm.
func (k *Keystore) SignerFor(alg string) (*SigningKeyParams, error) {
	if k == nil || len(k.keys) == 0 {
		return nil, fmt.Errorf("%w %q: keystore is empty", ErrNoKeyForAlgorithm, alg)
	}
	if alg == "" {
		return k.keys[0], nil
	}
	for _, key := range k.keys {
		if key.Algorithm == alg {
			return key, nil
		}
	}
	for _, key := range k.keys {
		if ValidateAlgorithmForKey(alg, key.Key) == nil {
			return &SigningKeyParams{Key: key.Key, KeyID: key.KeyID, Algorithm: alg}, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrNoKeyForAlgorithm, alg)
}

// PublicJWKS returns the public half of every key, for registration with providers.
func (k *Keystore) PublicJWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{}
	if k == nil {
		return set
	}
	for _, key := range k.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Key.Public(),
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}
	return set
}
