package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/testbtc_custody/internal/config"
	"github.com/congo-pay/testbtc_custody/internal/infra"
	"github.com/congo-pay/testbtc_custody/internal/logging"
	"github.com/congo-pay/testbtc_custody/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	res, err := infra.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open backing services", "error", err)
		os.Exit(1)
	}
	defer res.Close(logger)

	srv, err := server.New(ctx, cfg, res.DB, res.Cache, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}
	if err := srv.StartBackground(); err != nil {
		logger.Error("start reconciliation", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
