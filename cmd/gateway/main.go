package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/astro-web3/graph-gateway/internal/config"
	httptransport "github.com/astro-web3/graph-gateway/internal/transport/http"
	"github.com/astro-web3/graph-gateway/pkg/logger"
	"github.com/astro-web3/graph-gateway/pkg/otel"
)

func main() {
	cfg := config.MustLoad()

	ctx := context.Background()
	srv, err := httptransport.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting http server",
			slog.String("addr", cfg.Server.Addr),
			slog.String("mode", cfg.Server.Mode),
			slog.String("store", cfg.Store.Driver),
			slog.String("pool_mode", cfg.Pool.Mode),
		)
		if listenErr := srv.ListenAndServe(); listenErr != nil &&
			!errors.Is(listenErr, http.ErrServerClosed) {
			serverErrChan <- listenErr
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.InfoContext(ctx, "shutting down server")
	case serverErr := <-serverErrChan:
		logger.ErrorContext(ctx, "server failed, shutting down", logger.Err(serverErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.ErrorContext(ctx, "server forced to shutdown", logger.Err(shutdownErr))
	} else {
		logger.InfoContext(ctx, "server stopped gracefully")
	}

	if shutdownErr := otel.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.ErrorContext(ctx, "failed to shutdown tracer provider", logger.Err(shutdownErr))
	}
}
