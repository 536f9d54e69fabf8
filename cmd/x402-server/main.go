// Command x402-server serves priced routes and MCP tools behind x402 shielded payments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"

	"github.com/shieldpay/x402/internal/config"
	"github.com/shieldpay/x402/internal/logging"
)

var (
	port            = flag.String("port", "", "TCP port to listen on (defaults to PORT or 4021)")
	logLevel        = flag.String("log-level", "", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	shutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "how long in-flight requests get on shutdown")
)

func main() {
	flagenv.Parse()
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.InitSlog(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "onChainVerify", cfg.OnChainVerify, "ledger", cfg.Ledger)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
