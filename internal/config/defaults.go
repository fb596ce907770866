package config

import "time"

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Paywall: PaywallConfig{
			Provider:             ProviderCashu,
			TokenValidity:        7 * 24 * time.Hour,
			DefaultAmount:        99,
			DefaultUnit:          "usd",
			BasePath:             "/paywall",
			McpPath:              "/mcp",
			EnableLogging:        true,
			InvoiceRatePerMinute: 10,
			InvoiceBurst:         5,
			ClaimTimeout:         30 * time.Second,
			ClaimLease:           2 * time.Minute,
			RetentionWindow:      30 * 24 * time.Hour,
		},
		Cashu: CashuConfig{
			StoreTokens:    true,
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    3,
			RetryBackoff:   250 * time.Millisecond,
			Memo:           "MCP Paywall Token",
		},
		Store: StoreConfig{
			Path:     "mcppaywall.db",
			PoolSize: 4,
		},
		Maintenance: MaintenanceConfig{
			Interval: time.Hour,
		},
	}
}
