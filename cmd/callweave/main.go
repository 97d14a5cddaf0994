package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ostrand/callweave/internal/callrecord"
	"github.com/ostrand/callweave/internal/config"
	"github.com/ostrand/callweave/internal/httpapi"
	"github.com/ostrand/callweave/internal/observability"
	"github.com/ostrand/callweave/internal/relay"
	"github.com/ostrand/callweave/internal/translator"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config error", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := callrecord.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("call record store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := relay.NewRegistry()

	dial := func(ctx context.Context, leg relay.Leg, instructions string) (relay.BackendConn, error) {
		return translator.Dial(ctx, translator.Config{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIRealtimeURL,
			Model:        cfg.OpenAIModel,
			Instructions: instructions,
			VADThreshold: cfg.VADThreshold,
			VADSilenceMs: cfg.VADSilenceMs,
			Temperature:  cfg.Temperature,
		}, log.With("leg", leg))
	}

	api := httpapi.New(cfg, log, metrics, store, registry, dial)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	api.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
