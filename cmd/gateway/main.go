// Paywall gateway - a reverse proxy that admits only callers holding a
// paid access token from the shared payment store
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/siddimore/mcp-paywall/internal/config"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
	"github.com/siddimore/mcp-paywall/pkg/paywall/sqlitestore"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(os.Args[1:], logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

type gatewayOptions struct {
	configPath string
	listen     string
	backend    string
	protected  string
}

func (o *gatewayOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.configPath, "config", "c", "", "YAML config file shared with mcppaywall serve")
	flagSet.StringVar(&o.listen, "listen", ":8402", "gateway listen address")
	flagSet.StringVar(&o.backend, "backend", "", "backend URL to proxy to (e.g., http://localhost:3000)")
	flagSet.StringVar(&o.protected, "protect", "", "path prefix requiring a paid token (default: config mcp_path)")
}

func run(args []string, logger *slog.Logger) error {
	opts := &gatewayOptions{}
	flagSet := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	opts.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	// Allow environment variable overrides
	if env := os.Getenv("MCPPAYWALL_GATEWAY_BACKEND"); env != "" {
		opts.backend = env
	}
	if env := os.Getenv("MCPPAYWALL_GATEWAY_LISTEN"); env != "" {
		opts.listen = env
	}
	if opts.backend == "" {
		return errors.New("backend URL is required: use --backend or MCPPAYWALL_GATEWAY_BACKEND")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.protected == "" {
		opts.protected = cfg.Paywall.McpPath
	}

	store, err := sqlitestore.Open(sqlitestore.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	handler, err := newGateway(opts.backend, paywall.GateConfig{
		Lookup:        store,
		ProtectedPath: opts.protected,
		Logger:        logger,
		LogAccess:     cfg.Paywall.EnableLogging,
	})
	if err != nil {
		return err
	}

	server := &http.Server{Addr: opts.listen, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("paywall gateway starting",
		"listen", opts.listen,
		"backend", opts.backend,
		"protected", opts.protected,
		"store", cfg.Store.Path,
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newGateway proxies every request to backend, gating the protected
// prefix. The caller's quote id is forwarded in X-Paywall-User; the
// access token itself never reaches the backend.
func newGateway(backend string, gate paywall.GateConfig) (http.Handler, error) {
	target, err := url.Parse(backend)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", backend)
	}
	if gate.Lookup == nil {
		return nil, fmt.Errorf("gateway requires a token lookup")
	}

	param := gate.QueryParam
	if param == "" {
		param = "accessToken"
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	// Custom director to pass the paid identity and original host along
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", host)
		req.Header.Del("X-Paywall-User")
		req.Header.Del("X-Paywall-Expires")
		req.Header.Del("Authorization")
		if query := req.URL.Query(); query.Has(param) {
			query.Del(param)
			req.URL.RawQuery = query.Encode()
		}
		if identity, ok := paywall.IdentityFromContext(req.Context()); ok {
			req.Header.Set("X-Paywall-User", identity.UserID)
			req.Header.Set("X-Paywall-Expires", identity.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}

	return paywall.Gate(proxy, gate), nil
}
