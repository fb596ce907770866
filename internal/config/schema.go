package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"filippo.io/age"
)

// Provider names accepted in paywall.provider
const (
	ProviderCashu = "cashu"
	ProviderMock  = "mock"
)

// Config represents the full paywall configuration
type Config struct {
	// Listen address for serve
	Listen string `yaml:"listen" mapstructure:"listen"`

	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Paywall     PaywallConfig     `yaml:"paywall" mapstructure:"paywall"`
	Cashu       CashuConfig       `yaml:"cashu" mapstructure:"cashu"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// PaywallConfig configures invoicing, the gate and the HTTP API
type PaywallConfig struct {
	Provider      string        `yaml:"provider" mapstructure:"provider"`
	TokenValidity time.Duration `yaml:"token_validity" mapstructure:"token_validity"`
	DefaultAmount int64         `yaml:"default_amount" mapstructure:"default_amount"`
	DefaultUnit   string        `yaml:"default_unit" mapstructure:"default_unit"`
	BasePath      string        `yaml:"base_path" mapstructure:"base_path"`
	McpPath       string        `yaml:"mcp_path" mapstructure:"mcp_path"`

	// PublicURL is the externally visible origin used in access links
	PublicURL string `yaml:"public_url" mapstructure:"public_url"`

	// AdminToken protects statistics, cleanup and retry-claims
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`

	// EnableLogging turns service and gate access logs on
	EnableLogging bool `yaml:"enable_logging" mapstructure:"enable_logging"`

	InvoiceRatePerMinute float64 `yaml:"invoice_rate_per_minute" mapstructure:"invoice_rate_per_minute"`
	InvoiceBurst         int     `yaml:"invoice_burst" mapstructure:"invoice_burst"`

	ClaimTimeout    time.Duration `yaml:"claim_timeout" mapstructure:"claim_timeout"`
	ClaimLease      time.Duration `yaml:"claim_lease" mapstructure:"claim_lease"`
	RetentionWindow time.Duration `yaml:"retention_window" mapstructure:"retention_window"`
}

// CashuConfig configures the mint client and claiming
type CashuConfig struct {
	MintURL        string        `yaml:"mint_url" mapstructure:"mint_url"`
	StoreTokens    bool          `yaml:"store_tokens" mapstructure:"store_tokens"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	Memo           string        `yaml:"memo" mapstructure:"memo"`

	// SealRecipients are age public keys; when set, claimed tokens are
	// encrypted to them before storage
	SealRecipients []string `yaml:"seal_recipients" mapstructure:"seal_recipients"`
}

// StoreConfig locates the SQLite database
type StoreConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// MaintenanceConfig schedules background cleanup and claim retries
type MaintenanceConfig struct {
	// Interval between sweeps; zero disables them
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Paywall.Provider {
	case ProviderCashu:
		if c.Cashu.MintURL == "" {
			errs = append(errs, errors.New("cashu.mint_url is required for the cashu provider"))
		} else if u, err := url.Parse(c.Cashu.MintURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("cashu.mint_url %q is not an http(s) URL", c.Cashu.MintURL))
		}
	case ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("paywall.provider must be %q or %q, got %q", ProviderCashu, ProviderMock, c.Paywall.Provider))
	}

	if c.Paywall.TokenValidity <= 0 {
		errs = append(errs, errors.New("paywall.token_validity must be positive"))
	}
	if c.Paywall.DefaultAmount <= 0 {
		errs = append(errs, errors.New("paywall.default_amount must be positive"))
	}
	if strings.TrimSpace(c.Paywall.DefaultUnit) == "" {
		errs = append(errs, errors.New("paywall.default_unit is required"))
	}
	if !strings.HasPrefix(c.Paywall.McpPath, "/") {
		errs = append(errs, fmt.Errorf("paywall.mcp_path must start with /, got %q", c.Paywall.McpPath))
	}
	if !strings.HasPrefix(c.Paywall.BasePath, "/") {
		errs = append(errs, fmt.Errorf("paywall.base_path must start with /, got %q", c.Paywall.BasePath))
	}
	if c.Paywall.InvoiceRatePerMinute < 0 || c.Paywall.InvoiceBurst < 0 {
		errs = append(errs, errors.New("paywall invoice rate and burst must not be negative"))
	}

	for _, recipient := range c.Cashu.SealRecipients {
		if _, err := age.ParseX25519Recipient(strings.TrimSpace(recipient)); err != nil {
			errs = append(errs, fmt.Errorf("cashu.seal_recipients: %w", err))
		}
	}

	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Maintenance.Interval < 0 {
		errs = append(errs, errors.New("maintenance.interval must not be negative"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
