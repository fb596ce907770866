package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/siddimore/mcp-paywall/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

type serveOptions struct {
	listen   string
	interval time.Duration
}

func (o *serveOptions) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.listen, "listen", "", "listen address (overrides config listen)")
	flagSet.DurationVar(&o.interval, "maintenance-interval", 0,
		"interval between cleanup and claim retry sweeps (overrides config; 0 keeps config)")
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the paywall API and the gated MCP endpoint",
		Long: `Start the HTTP server.

Routes:
  POST {base_path}/create-invoice
  GET  {base_path}/check-payment/{quoteId}
  GET  {base_path}/validate-token?token=
  GET  {base_path}/statistics      (admin)
  POST {base_path}/cleanup         (admin)
  POST {base_path}/retry-claims    (admin)
  POST {mcp_path}                  (requires a paid access token)
  GET  /health`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, opts)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	a, err := loadApp(root)
	if err != nil {
		return err
	}
	defer a.Close()

	listen := a.config.Listen
	if opts.listen != "" {
		listen = opts.listen
	}
	interval := a.config.Maintenance.Interval
	if opts.interval > 0 {
		interval = opts.interval
	}

	tools := mcp.NewServer(mcp.ServerConfig{Logger: a.logger})
	server := &http.Server{
		Addr:              listen,
		Handler:           a.routes(tools),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.runMaintenance(ctx, interval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("paywall listening",
			"addr", listen,
			"provider", a.config.Paywall.Provider,
			"base_path", a.config.Paywall.BasePath,
			"mcp_path", a.config.Paywall.McpPath,
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	return nil
}

// runMaintenance sweeps until ctx is done. A zero interval disables it.
func (a *app) runMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

// sweep removes long-expired records and retries unfinished claims.
// Failures are logged and left for the next sweep.
func (a *app) sweep(ctx context.Context) {
	if _, err := a.service.Cleanup(ctx); err != nil {
		a.logger.Error("maintenance cleanup failed", "error", err)
	}
	result, err := a.service.RetryClaims(ctx)
	if err != nil {
		a.logger.Error("maintenance claim retry failed", "error", err)
		return
	}
	if result.Attempted > 0 {
		a.logger.Info("maintenance claim retry",
			"attempted", result.Attempted,
			"claimed", result.Claimed,
			"failed", result.Failed,
		)
	}
}
