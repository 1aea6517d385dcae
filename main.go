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

	"github.com/pliu/petbuddy/internal/auth"
	"github.com/pliu/petbuddy/internal/config"
	"github.com/pliu/petbuddy/internal/logging"
	"github.com/pliu/petbuddy/internal/metrics"
	"github.com/pliu/petbuddy/internal/pubsub"
	"github.com/pliu/petbuddy/internal/server"
	"github.com/pliu/petbuddy/internal/store/sqlstore"
	"github.com/pliu/petbuddy/internal/ws"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	addr       = flag.String("addr", "", "http service address (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "petbuddy-relay",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("petbuddy-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Database
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize WebSocket Hub
	hubOpts := []ws.HubOption{
		ws.WithLogger(logger),
		ws.WithLocationLimit(cfg.Relay.LocationRate, cfg.Relay.LocationBurst),
		ws.WithPublishLimit(cfg.Relay.PublishRate, cfg.Relay.PublishBurst),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cluster, err := pubsub.NewRedisBroker(ctx, rdb, logger)
		if err != nil {
			logger.Error("connect redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer cluster.Close()
		hubOpts = append(hubOpts, ws.WithCluster(cluster))
		logger.Info("relaying across instances via redis", "addr", cfg.RedisAddr)
	}
	hub := ws.NewHub(hubOpts...)
	go hub.Run(ctx)

	handler := server.NewRouter(server.Deps{
		Store:       store,
		DB:          store,
		Issuer:      auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL),
		Verifier:    auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer),
		Hub:         hub,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("relay listening", "addr", cfg.Addr, "driver", cfg.Database.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
