package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcppaywall.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.Paywall.TokenValidity != 7*24*time.Hour {
		t.Errorf("Expected 168h token validity, got %s", cfg.Paywall.TokenValidity)
	}
	if cfg.Paywall.DefaultAmount != 99 || cfg.Paywall.DefaultUnit != "usd" {
		t.Errorf("Expected 99 usd, got %d %s", cfg.Paywall.DefaultAmount, cfg.Paywall.DefaultUnit)
	}
	if cfg.Paywall.BasePath != "/paywall" || cfg.Paywall.McpPath != "/mcp" {
		t.Errorf("Unexpected paths %q %q", cfg.Paywall.BasePath, cfg.Paywall.McpPath)
	}
	if !cfg.Cashu.StoreTokens {
		t.Error("Expected tokens to be stored by default")
	}
	if !cfg.Paywall.EnableLogging {
		t.Error("Expected logging to be enabled by default")
	}
}

func TestDefaultConfigNeedsMintURL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "cashu.mint_url") {
		t.Fatalf("Expected mint_url error, got %v", err)
	}

	cfg.Paywall.Provider = ProviderMock
	if err := cfg.Validate(); err != nil {
		t.Errorf("Mock provider should not need a mint: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid cashu", func(c *Config) {}, ""},
		{"valid recipient", func(c *Config) { c.Cashu.SealRecipients = []string{identity.Recipient().String()} }, ""},
		{"bad recipient", func(c *Config) { c.Cashu.SealRecipients = []string{"age1nope"} }, "cashu.seal_recipients"},
		{"unknown provider", func(c *Config) { c.Paywall.Provider = "stripe" }, "paywall.provider"},
		{"relative mint", func(c *Config) { c.Cashu.MintURL = "mint.example.com" }, "not an http(s) URL"},
		{"zero validity", func(c *Config) { c.Paywall.TokenValidity = 0 }, "token_validity"},
		{"zero amount", func(c *Config) { c.Paywall.DefaultAmount = 0 }, "default_amount"},
		{"blank unit", func(c *Config) { c.Paywall.DefaultUnit = " " }, "default_unit"},
		{"relative mcp path", func(c *Config) { c.Paywall.McpPath = "mcp" }, "mcp_path"},
		{"negative burst", func(c *Config) { c.Paywall.InvoiceBurst = -1 }, "burst"},
		{"no store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Cashu.MintURL = "https://mint.example.com"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Paywall.Provider = ProviderMock
	cfg.Paywall.DefaultAmount = -5
	cfg.Store.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"default_amount", "store.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
listen: ":9090"
paywall:
  provider: cashu
  token_validity: 24h
  default_amount: 21
  default_unit: sat
  admin_token: s3cret
cashu:
  mint_url: https://mint.example.com
  store_tokens: false
  max_attempts: 5
store:
  path: /var/lib/mcppaywall/records.db
maintenance:
  interval: 15m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("Expected listen ':9090', got '%s'", cfg.Listen)
	}
	if cfg.Paywall.TokenValidity != 24*time.Hour {
		t.Errorf("Expected 24h validity, got %s", cfg.Paywall.TokenValidity)
	}
	if cfg.Paywall.DefaultAmount != 21 || cfg.Paywall.DefaultUnit != "sat" {
		t.Errorf("Expected 21 sat, got %d %s", cfg.Paywall.DefaultAmount, cfg.Paywall.DefaultUnit)
	}
	if cfg.Cashu.StoreTokens {
		t.Error("Expected store_tokens false from file")
	}
	if cfg.Cashu.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.Cashu.MaxAttempts)
	}
	if cfg.Maintenance.Interval != 15*time.Minute {
		t.Errorf("Expected 15m interval, got %s", cfg.Maintenance.Interval)
	}

	// Unset keys keep their defaults
	if cfg.Paywall.BasePath != "/paywall" || cfg.Paywall.ClaimLease != 2*time.Minute {
		t.Errorf("Expected defaults for unset keys, got %q %s", cfg.Paywall.BasePath, cfg.Paywall.ClaimLease)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
paywall:
  provider: cashu
  default_unit: sat
cashu:
  mint_url: https://file.example.com
`)

	t.Setenv("MCPPAYWALL_CASHU_MINT_URL", "https://env.example.com")
	t.Setenv("MCPPAYWALL_PAYWALL_TOKEN_VALIDITY", "48h")
	t.Setenv("MCPPAYWALL_PAYWALL_ENABLE_LOGGING", "false")
	t.Setenv("MCPPAYWALL_STORE_POOL_SIZE", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cashu.MintURL != "https://env.example.com" {
		t.Errorf("Expected env mint URL, got %s", cfg.Cashu.MintURL)
	}
	if cfg.Paywall.TokenValidity != 48*time.Hour {
		t.Errorf("Expected 48h validity, got %s", cfg.Paywall.TokenValidity)
	}
	if cfg.Paywall.EnableLogging {
		t.Error("Expected logging disabled by env")
	}
	if cfg.Store.PoolSize != 8 {
		t.Errorf("Expected pool size 8, got %d", cfg.Store.PoolSize)
	}
	if cfg.Paywall.DefaultUnit != "sat" {
		t.Errorf("Expected file value to survive, got %s", cfg.Paywall.DefaultUnit)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("MCPPAYWALL_PAYWALL_PROVIDER", "mock")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paywall.Provider != ProviderMock {
		t.Errorf("Expected mock provider, got %s", cfg.Paywall.Provider)
	}
	if cfg.Store.Path != "mcppaywall.db" {
		t.Errorf("Expected default store path, got %s", cfg.Store.Path)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	invalid := writeConfig(t, "paywall:\n  provider: mock\n  default_amount: 0\n")
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "default_amount") {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestWriteDefault(t *testing.T) {
	t.Setenv("MCPPAYWALL_CASHU_MINT_URL", "https://mint.example.com")

	path := filepath.Join(t.TempDir(), "etc", "mcppaywall.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if !strings.Contains(string(content), "token_validity: 168h0m0s") {
		t.Errorf("Expected readable durations, got:\n%s", content)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Written default does not load: %v", err)
	}
	if cfg.Paywall.TokenValidity != 7*24*time.Hour {
		t.Errorf("Round trip changed validity: %s", cfg.Paywall.TokenValidity)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("Expected error when file exists")
	}
}

func TestRedacted(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Paywall.AdminToken = "s3cret"

	redacted := cfg.Redacted()
	if redacted.Paywall.AdminToken == "s3cret" {
		t.Error("Expected admin token to be masked")
	}
	if cfg.Paywall.AdminToken != "s3cret" {
		t.Error("Redacted must not modify the original")
	}
}
