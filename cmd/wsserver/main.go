package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/luvvix/dm-core/internal/auth"
	"github.com/luvvix/dm-core/internal/config"
	"github.com/luvvix/dm-core/internal/directory"
	"github.com/luvvix/dm-core/internal/message"
	"github.com/luvvix/dm-core/internal/messaging"
	"github.com/luvvix/dm-core/internal/ratelimit"
	"github.com/luvvix/dm-core/internal/realtime"
	"github.com/luvvix/dm-core/internal/session"
	"github.com/luvvix/dm-core/internal/store"
	"github.com/luvvix/dm-core/internal/ws"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogging(cfg.Log, "wsserver")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Postgres ---
	dbConfig := store.DefaultDBConfig(cfg.Database.URL)
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime
	db, err := store.Open(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Postgres")
	}

	// --- Redis ---
	rdb, err := session.Dial(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	sessionStore := session.NewStore(rdb, cfg.ServerName)
	limiter := ratelimit.NewLimiter(rdb)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.ReconnectWait = cfg.NATS.ReconnectWait
	natsConfig.Name = "dm-wsserver-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLeeway)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create token verifier")
	}

	chat := ws.NewChat(ws.ChatConfig{
		Directory: directory.New(store.NewConversationStore(db), directory.NewRedisCache(rdb)),
		Messages:  message.NewAccessor(store.NewMessageStore(db), limiter),
		Feed:      realtime.NewNATSFeed(natsClient),
		Sessions:  sessionStore,
		Throttle:  limiter,
	})

	dispatcher := ws.NewMessageDispatcher()
	chat.Register(dispatcher)

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		MaxFrameBytes:  ws.DefaultServerConfig().MaxFrameBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
	authenticate := func(r *http.Request) (string, error) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			return "", err
		}
		return verifier.Verify(token)
	}

	server := ws.NewServer(serverConfig, authenticate, sessionStore, dispatcher.Dispatch)
	server.SetLimiter(limiter)
	server.SetOnConnect(chat.Attach)
	server.SetOnDisconnect(chat.Detach)

	log.Info().
		Str("listen_addr", serverConfig.ListenAddr).
		Int("worker_pool", serverConfig.WorkerPoolSize).
		Int("max_connections", serverConfig.MaxConnections).
		Str("nats_url", natsConfig.URL).
		Str("redis_addr", cfg.RedisAddr).
		Str("server_name", cfg.ServerName).
		Msg("dm websocket server starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		natsClient.Close()
		if err := sessionStore.Close(); err != nil {
			log.Error().Err(err).Msg("session store close error")
		}
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
