package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides: cashu.mint_url is read from
// MCPPAYWALL_CASHU_MINT_URL
const EnvPrefix = "MCPPAYWALL"

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and MCPPAYWALL_* environment variables, in
// increasing precedence, then validates it
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen", cfg.Listen)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("paywall.provider", cfg.Paywall.Provider)
	v.SetDefault("paywall.token_validity", cfg.Paywall.TokenValidity)
	v.SetDefault("paywall.default_amount", cfg.Paywall.DefaultAmount)
	v.SetDefault("paywall.default_unit", cfg.Paywall.DefaultUnit)
	v.SetDefault("paywall.base_path", cfg.Paywall.BasePath)
	v.SetDefault("paywall.mcp_path", cfg.Paywall.McpPath)
	v.SetDefault("paywall.public_url", cfg.Paywall.PublicURL)
	v.SetDefault("paywall.admin_token", cfg.Paywall.AdminToken)
	v.SetDefault("paywall.enable_logging", cfg.Paywall.EnableLogging)
	v.SetDefault("paywall.invoice_rate_per_minute", cfg.Paywall.InvoiceRatePerMinute)
	v.SetDefault("paywall.invoice_burst", cfg.Paywall.InvoiceBurst)
	v.SetDefault("paywall.claim_timeout", cfg.Paywall.ClaimTimeout)
	v.SetDefault("paywall.claim_lease", cfg.Paywall.ClaimLease)
	v.SetDefault("paywall.retention_window", cfg.Paywall.RetentionWindow)

	v.SetDefault("cashu.mint_url", cfg.Cashu.MintURL)
	v.SetDefault("cashu.store_tokens", cfg.Cashu.StoreTokens)
	v.SetDefault("cashu.request_timeout", cfg.Cashu.RequestTimeout)
	v.SetDefault("cashu.max_attempts", cfg.Cashu.MaxAttempts)
	v.SetDefault("cashu.retry_backoff", cfg.Cashu.RetryBackoff)
	v.SetDefault("cashu.memo", cfg.Cashu.Memo)
	v.SetDefault("cashu.seal_recipients", cfg.Cashu.SealRecipients)

	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.pool_size", cfg.Store.PoolSize)

	v.SetDefault("maintenance.interval", cfg.Maintenance.Interval)
}

// Redacted returns a copy safe to print
func (c *Config) Redacted() *Config {
	out := *c
	if out.Paywall.AdminToken != "" {
		out.Paywall.AdminToken = "********"
	}
	return &out
}

// YAML renders the configuration with durations in their string form
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	data, err := DefaultConfig().YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
