// Package config loads the custody service configuration file.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruteri/key-custody-backend/interfaces"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the custody service. Command line
// flags override the listen addresses.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Providers maps each provider slot to its location URI.
	Providers       map[interfaces.ProviderID]string `yaml:"providers"`
	ProviderTimeout time.Duration                    `yaml:"provider_timeout"`

	// Store is the record store URI: memory://, file:///path or redis://host:port/db.
	Store string `yaml:"store"`

	Ledger    LedgerConfig    `yaml:"ledger"`
	Identity  IdentityConfig  `yaml:"identity"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

type LedgerConfig struct {
	// URL is the JSON-RPC endpoint of the ledger, or mock:// for an
	// in-process ledger.
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type IdentityConfig struct {
	// IssuerKeys are hex-encoded ed25519 public keys trusted to sign bearer tokens.
	IssuerKeys   []string `yaml:"issuer_keys"`
	BindingsPath string   `yaml:"bindings_path"`
}

type RotationConfig struct {
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
}

type ReconcileConfig struct {
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Default returns a configuration for local development: in-memory store,
// mock ledger and no providers.
func Default() *Config {
	return &Config{
		ListenAddr:      "127.0.0.1:8080",
		MetricsAddr:     "127.0.0.1:8090",
		Providers:       map[interfaces.ProviderID]string{},
		ProviderTimeout: 10 * time.Second,
		Store:           "memory://",
		Ledger: LedgerConfig{
			URL:     "mock://",
			Timeout: 30 * time.Second,
		},
		Rotation: RotationConfig{
			TransitionTimeout: 60 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Schedule:   "@every 5m",
			StaleAfter: 10 * time.Minute,
		},
	}
}

// Load reads the YAML file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every provider slot is configured exactly once and
// that reconciliation cannot race an in-flight rotation.
func (c *Config) Validate() error {
	var errs []error
	for id := range c.Providers {
		if !id.Valid() {
			errs = append(errs, fmt.Errorf("unknown provider %q", id))
		}
	}
	for _, id := range interfaces.ProviderOrder {
		if strings.TrimSpace(c.Providers[id]) == "" {
			errs = append(errs, fmt.Errorf("provider %s is not configured", id))
		}
	}

	if c.Store == "" {
		errs = append(errs, errors.New("store is not configured"))
	}
	if c.Ledger.URL == "" {
		errs = append(errs, errors.New("ledger url is not configured"))
	}
	if c.Reconcile.StaleAfter <= c.Rotation.TransitionTimeout {
		errs = append(errs, fmt.Errorf("reconcile.stale_after (%s) must exceed rotation.transition_timeout (%s)",
			c.Reconcile.StaleAfter, c.Rotation.TransitionTimeout))
	}
	if _, err := c.IssuerKeys(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IssuerKeys decodes the trusted token issuer keys.
func (c *Config) IssuerKeys() ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, 0, len(c.Identity.IssuerKeys))
	for _, encoded := range c.Identity.IssuerKeys {
		raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid issuer key %q", encoded)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	return keys, nil
}
