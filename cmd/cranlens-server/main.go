package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cranlens/cranlens/internal/adapters/upstream"
	"github.com/cranlens/cranlens/internal/api/handlers"
	"github.com/cranlens/cranlens/internal/config"
	"github.com/cranlens/cranlens/internal/telemetry"
	"github.com/cranlens/cranlens/internal/util/logging"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger needs the configured level, so config failures use a
		// default-level logger.
		fallback := logging.New(os.Stderr, "info")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(os.Stdout, cfg.Log.Level).With().Str("service", "cranlens").Logger()

	client, err := upstream.New(cfg.Upstream)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize upstream client")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(registry)

	emitter := logging.NewEmitter(os.Stdout)
	handler := handlers.New(client, emitter, metrics, logger)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler.Router(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		srv.Close()
	}()

	logger.Info().
		Str("addr", cfg.Server.ListenAddr).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("starting cranlens proxy")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
