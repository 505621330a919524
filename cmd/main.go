package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vkproxy/app"
	"vkproxy/config"
	"vkproxy/handlers"
	"vkproxy/logging"
	"vkproxy/metrics"
	"vkproxy/store"
)

// main is the entry point of the application.
// It loads the configuration, opens the user store and starts the HTTP server.
func main() {
	configFile := flag.String("f", "config.yaml", "path to the configuration file")
	flag.Parse()

	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		log.Fatalf("Configuration file not found: %s", *configFile)
	}

	config.LoadAndSetConfig(*configFile)
	cfg := config.GetCurrentProxyConfig()
	logger := logging.InitializeLogger(cfg.Logging.Level)

	if cfg.Metrics.Enabled {
		metrics.InitMetrics()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	userStore, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatal("Failed to open user storage: ", err)
	}

	proxy := app.NewApp(cfg, logger, userStore)
	if err := proxy.Start(ctx); err != nil {
		_ = proxy.Close()
		log.Fatal("Failed to load users: ", err)
	}

	StartServer(ctx, proxy)

	if err := proxy.Close(); err != nil {
		logger.Error("Failed to close user storage", "error", err)
	}
}

// StartServer serves the proxy until ctx is cancelled, then shuts the server down
// gracefully.
//
// Parameters:
// - ctx: Cancelled on SIGINT or SIGTERM.
// - a: The application instance.
func StartServer(ctx context.Context, a *app.App) {
	mux := http.NewServeMux()
	mux.Handle("/", handlers.Handler(a))

	server := &http.Server{
		Addr:              a.Config.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-ctx.Done()
		a.Logger.Info("Shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("Server forced to shutdown", "error", err)
		} else {
			a.Logger.Info("Server shut down gracefully.")
		}
		close(idleConnsClosed)
	}()

	a.Logger.Info(fmt.Sprintf("VK proxy is ready on %s", a.Config.Address()))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error("Server failed to start", "error", err)
		log.Fatal(err)
	}

	<-idleConnsClosed
	a.Logger.Info("All connections closed, exiting.")
}
