/*
Copyright 2026.

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

// Package config loads the broker client configuration from defaults, an
// optional YAML file and VCB_ environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/panteparak/vault-credential-broker/internal/retry"
	"github.com/panteparak/vault-credential-broker/pkg/vault/auth"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
)

// EnvPrefix prefixes every environment override.
// A single underscore separates sections, a double underscore is a literal
// underscore: VCB_LEASE_RENEWAL__FRACTION sets lease.renewal_fraction.
const EnvPrefix = "VCB_"

// Config is the complete client configuration.
type Config struct {
	Vault           VaultConfig   `koanf:"vault"`
	Auth            AuthConfig    `koanf:"auth"`
	Lease           LeaseConfig   `koanf:"lease"`
	Cache           CacheConfig   `koanf:"cache"`
	RefreshSchedule string        `koanf:"refresh_schedule"`
	FetchTimeout    time.Duration `koanf:"fetch_timeout"`
	Logging         LoggingConfig `koanf:"logging"`
	Metrics         MetricsConfig `koanf:"metrics"`
}

// VaultConfig describes how to reach Vault.
type VaultConfig struct {
	Address    string        `koanf:"address"`
	CACert     string        `koanf:"ca_cert"`
	SkipVerify bool          `koanf:"skip_verify"`
	Timeout    time.Duration `koanf:"timeout"`
}

// AuthConfig selects the identity source and the Vault role.
type AuthConfig struct {
	Method       string        `koanf:"method"`
	Role         string        `koanf:"role"`
	MountPath    string        `koanf:"mount_path"`
	ProofTimeout time.Duration `koanf:"proof_timeout"`

	// Fallback lists further methods tried in order when Method cannot
	// produce a proof. Each uses its own default mount.
	Fallback []string `koanf:"fallback"`

	Kubernetes KubernetesAuthConfig `koanf:"kubernetes"`
	JWT        JWTAuthConfig        `koanf:"jwt"`
	AWS        AWSAuthConfig        `koanf:"aws"`
	GCP        GCPAuthConfig        `koanf:"gcp"`
	Azure      AzureAuthConfig      `koanf:"azure"`
}

type KubernetesAuthConfig struct {
	TokenPath string `koanf:"token_path"`
}

// JWTAuthConfig reads a JWT from TokenPath, or mints one through the
// TokenRequest API when ServiceAccount is set instead.
type JWTAuthConfig struct {
	TokenPath      string        `koanf:"token_path"`
	ServiceAccount string        `koanf:"service_account"`
	Namespace      string        `koanf:"namespace"`
	Audiences      []string      `koanf:"audiences"`
	Duration       time.Duration `koanf:"duration"`
}

type AWSAuthConfig struct {
	Region         string `koanf:"region"`
	STSEndpoint    string `koanf:"sts_endpoint"`
	ServerIDHeader string `koanf:"server_id_header"`
}

type GCPAuthConfig struct {
	Type                string `koanf:"type"`
	ServiceAccountEmail string `koanf:"service_account_email"`
	CredentialsFile     string `koanf:"credentials_file"`
}

type AzureAuthConfig struct {
	Resource string `koanf:"resource"`
	ClientID string `koanf:"client_id"`
}

// LeaseConfig tunes session renewal and retry.
type LeaseConfig struct {
	RenewalFraction  float64       `koanf:"renewal_fraction"`
	RenewIncrement   time.Duration `koanf:"renew_increment"`
	OperationTimeout time.Duration `koanf:"operation_timeout"`
	MaxRetryAttempts int           `koanf:"max_retry_attempts"`
	Backoff          BackoffConfig `koanf:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `koanf:"initial"`
	Max        time.Duration `koanf:"max"`
	Multiplier float64       `koanf:"multiplier"`
	Jitter     float64       `koanf:"jitter"`
}

// CacheConfig sets freshness classes per path.
type CacheConfig struct {
	DefaultClass     string        `koanf:"default_class"`
	StaleGraceWindow time.Duration `koanf:"stale_grace_window"`
	Rules            []RuleConfig  `koanf:"rules"`
}

type RuleConfig struct {
	Pattern string `koanf:"pattern"`
	Class   string `koanf:"class"`
}

type LoggingConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"vault": map[string]interface{}{
			"address": "http://127.0.0.1:8200",
			"timeout": "30s",
		},
		"auth": map[string]interface{}{
			"method":        string(auth.MethodKubernetes),
			"proof_timeout": "5s",
		},
		"lease": map[string]interface{}{
			"renewal_fraction":   token.DefaultRenewalFraction,
			"operation_timeout":  "30s",
			"max_retry_attempts": retry.MaxRetryAttempts,
			"backoff": map[string]interface{}{
				"initial":    retry.InitialRetryDelay.String(),
				"max":        retry.MaxRetryDelay.String(),
				"multiplier": retry.BackoffMultiplier,
				"jitter":     retry.JitterFactor,
			},
		},
		"cache": map[string]interface{}{
			"default_class":      string(secret.ClassStatic),
			"stale_grace_window": secret.DefaultStaleGraceWindow.String(),
		},
		"refresh_schedule": "@every 5m",
		"fetch_timeout":    "30s",
		"logging": map[string]interface{}{
			"level":       "info",
			"development": false,
		},
		"metrics": map[string]interface{}{
			"enabled": false,
			"address": ":9090",
		},
	}
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := load("", false)
	if err != nil {
		// defaults() is static and always decodes.
		panic(err)
	}
	return cfg
}

// Load reads configuration.
// Priority: environment variables > config file > defaults.
// A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg, err := load(path, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, withEnv bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to access config file %s: %w", path, err)
		}
	}

	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	cfg := &Config{}
	err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps VCB_LEASE_RENEWAL__FRACTION to lease.renewal_fraction.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// Validate checks the configuration and returns the first problem found
// as a ValidationError.
func (c *Config) Validate() error {
	if c.Vault.Address == "" {
		return sharederrors.NewValidationError("vault.address", "", "is required")
	}
	if c.Vault.Timeout < 0 {
		return sharederrors.NewValidationError("vault.timeout", c.Vault.Timeout.String(), "must not be negative")
	}

	method, err := auth.ParseMethod(c.Auth.Method)
	if err != nil {
		return sharederrors.NewValidationError("auth.method", c.Auth.Method, err.Error())
	}
	for i, fb := range c.Auth.Fallback {
		if _, err := auth.ParseMethod(fb); err != nil {
			return sharederrors.NewValidationError(fmt.Sprintf("auth.fallback[%d]", i), fb, err.Error())
		}
	}
	if len(c.Auth.Fallback) > 0 && c.Auth.MountPath != "" {
		return sharederrors.NewValidationError("auth.mount_path", c.Auth.MountPath,
			"cannot be combined with fallback methods; each method uses its default mount")
	}
	if c.Auth.Role == "" {
		return sharederrors.NewValidationError("auth.role", "", "is required")
	}
	if c.Auth.ProofTimeout <= 0 {
		return sharederrors.NewValidationError("auth.proof_timeout", c.Auth.ProofTimeout.String(), "must be positive")
	}
	if method == auth.MethodJWT && c.Auth.JWT.TokenPath == "" && c.Auth.JWT.ServiceAccount == "" {
		return sharederrors.NewValidationError("auth.jwt", "", "token_path or service_account is required")
	}

	if f := c.Lease.RenewalFraction; f < token.MinRenewalFraction || f > token.MaxRenewalFraction {
		return sharederrors.NewValidationError("lease.renewal_fraction", fmt.Sprintf("%g", f),
			fmt.Sprintf("must be between %g and %g", token.MinRenewalFraction, token.MaxRenewalFraction))
	}
	if c.Lease.MaxRetryAttempts < retry.MinRetryAttempts {
		return sharederrors.NewValidationError("lease.max_retry_attempts",
			fmt.Sprintf("%d", c.Lease.MaxRetryAttempts),
			fmt.Sprintf("must be at least %d so a transient failure is retried", retry.MinRetryAttempts))
	}
	if b := c.Lease.Backoff; b.Initial <= 0 || b.Max < b.Initial {
		return sharederrors.NewValidationError("lease.backoff", b.Initial.String(),
			"initial must be positive and not above max")
	}
	if c.Lease.Backoff.Multiplier < 1 {
		return sharederrors.NewValidationError("lease.backoff.multiplier",
			fmt.Sprintf("%g", c.Lease.Backoff.Multiplier), "must be at least 1")
	}
	if j := c.Lease.Backoff.Jitter; j < 0 || j > 1 {
		return sharederrors.NewValidationError("lease.backoff.jitter", fmt.Sprintf("%g", j), "must be between 0 and 1")
	}

	if err := c.SecretConfig().WithDefaults().Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if c.RefreshSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.RefreshSchedule); err != nil {
			return sharederrors.NewValidationError("refresh_schedule", c.RefreshSchedule, err.Error())
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return sharederrors.NewValidationError("metrics.address", "", "is required when metrics are enabled")
	}
	return nil
}

// RetryConfig returns the backoff policy for the lease manager.
func (c *Config) RetryConfig() retry.Config {
	jitter := c.Lease.Backoff.Jitter
	if jitter == 0 {
		// retry.Config treats 0 as unset.
		jitter = -1
	}
	return retry.Config{
		InitialDelay: c.Lease.Backoff.Initial,
		MaxDelay:     c.Lease.Backoff.Max,
		Multiplier:   c.Lease.Backoff.Multiplier,
		JitterFactor: jitter,
		MaxAttempts:  c.Lease.MaxRetryAttempts,
	}
}

// TokenConfig returns the lease manager configuration.
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		Role:             c.Auth.Role,
		RenewalFraction:  c.Lease.RenewalFraction,
		RenewIncrement:   c.Lease.RenewIncrement,
		OperationTimeout: c.Lease.OperationTimeout,
		Retry:            c.RetryConfig(),
	}
}

// SecretConfig returns the cache configuration.
func (c *Config) SecretConfig() secret.Config {
	cfg := secret.Config{StaleGraceWindow: c.Cache.StaleGraceWindow}
	if c.Cache.DefaultClass != "" {
		cfg.DefaultClass = secret.Class(strings.ToLower(c.Cache.DefaultClass))
	}
	for _, r := range c.Cache.Rules {
		cfg.Rules = append(cfg.Rules, secret.Rule{
			Pattern: r.Pattern,
			Class:   secret.Class(strings.ToLower(r.Class)),
		})
	}
	return cfg
}
