// Simulated Cashu mint for local paywall demos. Quotes are paid with
// POST /dev/pay/{quote}, or on their first status check with --auto-pay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/siddimore/mcp-paywall/internal/mintsim"
)

func main() {
	listen := pflag.String("listen", ":3338", "mint listen address")
	units := pflag.StringSlice("units", []string{"sat", "usd"}, "units to create keysets for")
	autoPay := pflag.Bool("auto-pay", false, "mark quotes paid on their first status check")
	quoteExpiry := pflag.Duration("quote-expiry", time.Hour, "lifetime of mint quotes")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	mint, err := mintsim.New(mintsim.Config{
		Units:       *units,
		AutoPay:     *autoPay,
		QuoteExpiry: *quoteExpiry,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("creating mint", "error", err)
		os.Exit(1)
	}

	for _, unit := range *units {
		logger.Info("keyset ready", "unit", unit, "id", mint.KeysetID(unit))
	}

	server := &http.Server{Addr: *listen, Handler: mint.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("test mint starting",
		"listen", *listen,
		"auto_pay", *autoPay,
		"pay", "POST http://localhost"+*listen+"/dev/pay/{quote}",
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("test mint stopped", "error", err)
		os.Exit(1)
	}
}
