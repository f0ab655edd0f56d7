// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/idbroker/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=provider.go KeyProvider

// KeyProvider supplies the current signing key and every key still valid
// for verification.
type KeyProvider interface {
	SigningKey(ctx context.Context) (*SigningKey, error)
	PublicKeys(ctx context.Context) ([]*PublicKey, error)
}

// Config selects a KeyProvider.
type Config struct {
	// KeyDir holds the PEM files named below.
	KeyDir string `yaml:"keyDir,omitempty"`
	// SigningKeyFile signs new tokens.
	SigningKeyFile string `yaml:"signingKeyFile,omitempty"`
	// FallbackKeyFiles are published for verification only, to let tokens
	// signed before a rotation verify until they expire.
	FallbackKeyFiles []string `yaml:"fallbackKeyFiles,omitempty"`
}

// NewProviderFromConfig returns a FileProvider when KeyDir is set and a
// GeneratingProvider otherwise.
func NewProviderFromConfig(cfg Config) (KeyProvider, error) {
	if cfg.KeyDir != "" {
		return NewFileProvider(cfg)
	}
	return NewGeneratingProvider(DefaultAlgorithm), nil
}

// FileProvider serves keys loaded once from PEM files.
type FileProvider struct {
	signingKey *SigningKey
	allKeys    []*SigningKey
}

// NewFileProvider loads the signing key and fallback keys from cfg.KeyDir.
func NewFileProvider(cfg Config) (*FileProvider, error) {
	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	allKeys := []*SigningKey{signingKey}
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyFromFile(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		allKeys = append(allKeys, key)
	}

	return &FileProvider{signingKey: signingKey, allKeys: allKeys}, nil
}

func loadKeyFromFile(keyPath string) (*SigningKey, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return NewSigningKey(signer)
}

// SigningKey implements KeyProvider.
func (p *FileProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	return p.signingKey.clone(), nil
}

// PublicKeys implements KeyProvider.
func (p *FileProvider) PublicKeys(_ context.Context) ([]*PublicKey, error) {
	out := make([]*PublicKey, 0, len(p.allKeys))
	for _, key := range p.allKeys {
		out = append(out, key.public())
	}
	return out, nil
}

// GeneratingProvider creates an ephemeral key on first use. Tokens it signs
// do not survive a restart.
type GeneratingProvider struct {
	algorithm string
	mu        sync.Mutex
	key       *SigningKey
}

// NewGeneratingProvider returns a provider generating keys for algorithm,
// or DefaultAlgorithm when empty.
func NewGeneratingProvider(algorithm string) *GeneratingProvider {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &GeneratingProvider{algorithm: algorithm}
}

// SigningKey implements KeyProvider.
func (p *GeneratingProvider) SigningKey(_ context.Context) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key == nil {
		signer, err := generatePrivateKey(p.algorithm)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		key, err := NewSigningKey(signer)
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key, tokens will be invalid after restart",
			"algorithm", key.Algorithm, "key_id", key.KeyID)
		p.key = key
	}
	return p.key.clone(), nil
}

// PublicKeys implements KeyProvider.
func (p *GeneratingProvider) PublicKeys(ctx context.Context) ([]*PublicKey, error) {
	key, err := p.SigningKey(ctx)
	if err != nil {
		return nil, err
	}
	return []*PublicKey{key.public()}, nil
}

func generatePrivateKey(algorithm string) (crypto.Signer, error) {
	switch jose.SignatureAlgorithm(algorithm) {
	case jose.ES256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case jose.ES384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case jose.ES512:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
}

// JWKS returns the provider's public keys as a JSON Web Key Set.
func JWKS(ctx context.Context, p KeyProvider) (*jose.JSONWebKeySet, error) {
	pubs, err := p.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, k := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.Key,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
