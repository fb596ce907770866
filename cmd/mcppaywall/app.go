package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/siddimore/mcp-paywall/internal/config"
	"github.com/siddimore/mcp-paywall/pkg/cashu"
	"github.com/siddimore/mcp-paywall/pkg/mcp"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
	"github.com/siddimore/mcp-paywall/pkg/paywall/sqlitestore"
)

// app is the wired service graph shared by the subcommands.
type app struct {
	config  *config.Config
	logger  *slog.Logger
	store   *sqlitestore.Store
	service *paywall.Service
}

func loadApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, os.Stderr)
}

func newApp(cfg *config.Config, logOutput io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Log, logOutput)
	if err != nil {
		return nil, err
	}
	serviceLogger := logger
	if !cfg.Paywall.EnableLogging {
		serviceLogger = slog.New(slog.DiscardHandler)
	}

	provider, err := newProvider(cfg, serviceLogger)
	if err != nil {
		return nil, err
	}

	var sealer *paywall.Sealer
	if len(cfg.Cashu.SealRecipients) > 0 {
		sealer, err = paywall.NewSealer(cfg.Cashu.SealRecipients)
		if err != nil {
			return nil, err
		}
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	service, err := paywall.NewService(paywall.Config{
		Store:           store,
		Provider:        provider,
		Logger:          serviceLogger,
		TokenValidity:   cfg.Paywall.TokenValidity,
		DefaultAmount:   uint64(cfg.Paywall.DefaultAmount),
		DefaultUnit:     cfg.Paywall.DefaultUnit,
		McpPath:         cfg.Paywall.McpPath,
		ClaimTimeout:    cfg.Paywall.ClaimTimeout,
		ClaimLease:      cfg.Paywall.ClaimLease,
		RetentionWindow: cfg.Paywall.RetentionWindow,
		Sealer:          sealer,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{config: cfg, logger: logger, store: store, service: service}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

func newProvider(cfg *config.Config, logger *slog.Logger) (paywall.PaymentProvider, error) {
	switch cfg.Paywall.Provider {
	case config.ProviderMock:
		// Demo mode: every quote is paid on its first check.
		mock := paywall.NewMockProvider()
		mock.AutoPay = true
		return mock, nil
	case config.ProviderCashu:
		client, err := cashu.NewClient(cashu.ClientConfig{
			MintURL:        cfg.Cashu.MintURL,
			RequestTimeout: cfg.Cashu.RequestTimeout,
			MaxAttempts:    cfg.Cashu.MaxAttempts,
			RetryBackoff:   cfg.Cashu.RetryBackoff,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return paywall.NewCashuProvider(paywall.CashuProviderConfig{
			Client:      client,
			StoreTokens: cfg.Cashu.StoreTokens,
			Memo:        cfg.Cashu.Memo,
			Logger:      logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Paywall.Provider)
	}
}

// routes mounts the paywall API, the gated MCP endpoint and a health
// check on one mux.
func (a *app) routes(tools *mcp.Server) http.Handler {
	cfg := a.config.Paywall

	basePath := "/" + strings.Trim(cfg.BasePath, "/")
	mcpPath := "/" + strings.Trim(cfg.McpPath, "/")

	api := a.service.Handler(paywall.HandlerConfig{
		BasePath:     basePath,
		PublicURL:    cfg.PublicURL,
		AdminToken:   cfg.AdminToken,
		InvoiceRate:  rate.Limit(cfg.InvoiceRatePerMinute / time.Minute.Seconds()),
		InvoiceBurst: cfg.InvoiceBurst,
	})

	mux := http.NewServeMux()
	mux.Handle(basePath+"/", api)
	mux.Handle(mcpPath, tools.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	})

	return paywall.Gate(mux, paywall.GateConfig{
		Lookup:        a.store,
		ProtectedPath: mcpPath,
		Logger:        a.logger,
		LogAccess:     cfg.EnableLogging,
	})
}
