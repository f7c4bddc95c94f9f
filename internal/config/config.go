// Package config assembles the broker configuration from environment
// variables, with an optional YAML overlay for operator-managed tunables.
// Handlers never consult the environment directly; everything travels in
// the Config struct built here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// MinMasterSecretBytes is the entropy floor for the master signing secret.
const MinMasterSecretBytes = 32

// Environment names recognized by Env.
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the single process-wide configuration struct.
type Config struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`

	MasterSecret   string `yaml:"-"`
	ProviderAPIKey string `yaml:"-"`

	JWTExpireMinutes int `yaml:"jwt_expire_minutes"`

	RateLimitRPM  int `yaml:"rate_limit_rpm"`
	RateLimitRPH  int `yaml:"rate_limit_rph"`
	MaxConcurrent int `yaml:"max_concurrent"`

	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`

	DataDir                string `yaml:"data_dir"`
	InteractionsMaxEntries int    `yaml:"interactions_max_entries"`

	TrustedHosts []string `yaml:"trusted_hosts"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

// Load builds the configuration from the environment, applying the YAML
// overlay named by BRADAX_CONFIG_FILE first so env values win. It fails
// fast on missing or weak secrets.
func Load() (*Config, error) {
	cfg := &Config{
		Env:                    EnvDevelopment,
		Port:                   8000,
		JWTExpireMinutes:       15,
		RateLimitRPM:           60,
		RateLimitRPH:           1000,
		MaxConcurrent:          10,
		ProviderTimeoutSeconds: 180,
		DataDir:                "data",
		InteractionsMaxEntries: 5000,
		TrustedHosts:           []string{"localhost", "127.0.0.1"},
		CORSOrigins:            []string{"http://localhost:3000", "http://127.0.0.1:3000"},
	}

	if path := os.Getenv("BRADAX_CONFIG_FILE"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("BRADAX_HUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid BRADAX_HUB_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}

	cfg.MasterSecret = os.Getenv("MASTER_JWT_SECRET")
	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")

	for name, dst := range map[string]*int{
		"JWT_EXPIRE_MINUTES":       &cfg.JWTExpireMinutes,
		"RATE_LIMIT_RPM":           &cfg.RateLimitRPM,
		"RATE_LIMIT_RPH":           &cfg.RateLimitRPH,
		"MAX_CONCURRENT":           &cfg.MaxConcurrent,
		"PROVIDER_TIMEOUT_SECONDS": &cfg.ProviderTimeoutSeconds,
		"INTERACTIONS_MAX_ENTRIES": &cfg.InteractionsMaxEntries,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}
	if v := os.Getenv("BRADAX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: cannot open overlay %s: %w", path, err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("config: cannot parse overlay %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("config: MASTER_JWT_SECRET is required")
	}
	if len(c.MasterSecret) < MinMasterSecretBytes {
		return fmt.Errorf("config: MASTER_JWT_SECRET below minimum entropy (%d bytes required)", MinMasterSecretBytes)
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("config: PROVIDER_API_KEY is required")
	}
	if c.JWTExpireMinutes <= 0 {
		return fmt.Errorf("config: JWT_EXPIRE_MINUTES must be positive")
	}
	if c.InteractionsMaxEntries <= 0 {
		return fmt.Errorf("config: INTERACTIONS_MAX_ENTRIES must be positive")
	}
	return nil
}

// IsProduction reports whether production behavior (no CORS, terse logs)
// applies.
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// ProviderTimeout is the per-request deadline for the provider call.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// JWTExpiry is the token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.JWTExpireMinutes) * time.Minute
}
