package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/changefeed"
	"github.com/luvvix/dm-core/internal/config"
	"github.com/luvvix/dm-core/internal/messaging"
	"github.com/luvvix/dm-core/internal/metrics"
	"github.com/luvvix/dm-core/internal/store"
)

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogging(cfg.Log, "relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConfig := store.DefaultDBConfig(cfg.Database.URL)
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	db, err := store.Open(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Postgres")
	}
	defer db.Close()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.ReconnectWait = cfg.NATS.ReconnectWait
	natsConfig.Name = "dm-relay"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsClient.Close()

	listener, err := changefeed.NewListener(cfg.Database.URL, cfg.MinReconnectInterval, cfg.MaxReconnectInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen for notifications")
	}
	defer listener.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	log.Info().
		Str("channel", store.NotifyChannel).
		Str("nats_url", natsConfig.URL).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("dm relay started")

	relay := changefeed.New(listener, store.NewMessageStore(db), natsClient, cfg.PingInterval)
	if err := relay.Run(ctx); err != nil {
		log.Error().Err(err).Msg("relay stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info().Msg("dm relay stopped")
}
