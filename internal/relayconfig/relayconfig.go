/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package relayconfig loads the relay process's typed configuration from
// a YAML file: a single typed struct decoded once at startup rather than
// scattered flag/env reads.
package relayconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwongdev/mydia-relay/api/types"
	"github.com/dwongdev/mydia-relay/lib/instancestore"
)

// Config is the relay process's complete configuration: master pepper,
// token-signing secret, listen address/port, TLS cert/key,
// stale-instance threshold, claim TTL maximum, per-request forwarding
// ceiling, and backend selection.
type Config struct {
	// Listen is the address:port the TLS tunnel listener binds, e.g.
	// "0.0.0.0:4443". The HTTP API binds the next port up (see
	// cmd/mydia-relay/serve.go's httpListenAddr) rather than sharing
	// this listener.
	Listen string `yaml:"listen"`

	TLS struct {
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"tls"`

	// MasterPepperHex is the hex-encoded master pepper for Namespace
	// derivation; must decode to at least 32 bytes.
	MasterPepperHex string `yaml:"master_pepper_hex"`

	// TokenSigningKeyHex is the hex-encoded secret instancestore.Store
	// uses to sign instance bearer tokens.
	TokenSigningKeyHex string `yaml:"token_signing_key_hex"`

	// AdminToken gates GET /admin/events. Empty disables the endpoint.
	AdminToken string `yaml:"admin_token"`

	StaleInstanceThreshold time.Duration `yaml:"stale_instance_threshold"`
	ClaimTTLMaximum        time.Duration `yaml:"claim_ttl_maximum"`
	ForwardCeiling         time.Duration `yaml:"forward_ceiling"`

	Backend BackendConfig `yaml:"backend"`
}

// BackendConfig selects and configures the persistent store.
type BackendConfig struct {
	// Driver is one of "memory", "sqlite", "postgres".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string; unused for "memory".
	DSN string `yaml:"dsn"`
}

func (c *Config) setDefaults() {
	if c.StaleInstanceThreshold <= 0 {
		c.StaleInstanceThreshold = instancestore.DefaultStaleAfter
	}
	if c.ClaimTTLMaximum <= 0 || c.ClaimTTLMaximum > types.MaxClaimTTL {
		c.ClaimTTLMaximum = types.MaxClaimTTL
	}
	if c.ForwardCeiling <= 0 {
		c.ForwardCeiling = 30 * time.Second
	}
	if c.Backend.Driver == "" {
		c.Backend.Driver = "memory"
	}
}

// Validate checks that every required input is present; it does not
// attempt to open the TLS cert or the backend DSN (left to the caller,
// which can report the failure through readyz).
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.MasterPepperHex == "" {
		return fmt.Errorf("master_pepper_hex is required")
	}
	if c.TokenSigningKeyHex == "" {
		return fmt.Errorf("token_signing_key_hex is required")
	}
	switch c.Backend.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown backend driver %q", c.Backend.Driver)
	}
	return nil
}

// Load reads and decodes the YAML config file at path, applying defaults
// and validating the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
