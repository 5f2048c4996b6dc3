package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"lv-tradehook/internal/admin"
	"lv-tradehook/internal/auth"
	"lv-tradehook/internal/config"
	"lv-tradehook/internal/db"
	"lv-tradehook/internal/events"
	"lv-tradehook/internal/health"
	"lv-tradehook/internal/httpserver"
	"lv-tradehook/internal/logging"
	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/orders"
	"lv-tradehook/internal/queue"
	"lv-tradehook/internal/replay"
	"lv-tradehook/internal/sessions"
	"lv-tradehook/internal/tokens"
	"lv-tradehook/internal/venue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	healthHandler := health.NewHandler(time.Now())

	tokenRate, err := replay.ParseRate(cfg.TokenRateLimit)
	if err != nil {
		return fmt.Errorf("TOKEN_RATE_LIMIT: %w", err)
	}
	ipRate, err := replay.ParseRate(cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("RATE_LIMIT: %w", err)
	}

	stores := auth.Stores{}
	switch cfg.ReplayBackend {
	case "redis":
		rdb, err := replay.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		stores.Signatures = replay.NewRedisClaims(rdb, "sig", cfg.SignatureCacheTTL)
		stores.Nonces = replay.NewRedisClaims(rdb, "nonce", cfg.NonceTTL)
		stores.Rates = replay.NewRedisRates(rdb, tokenRate)
		healthHandler.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	default:
		stores.Signatures = replay.NewMemoryClaims(cfg.SignatureCacheSize, cfg.SignatureCacheTTL)
		stores.Nonces = replay.NewMemoryClaims(cfg.NonceCacheSize, cfg.NonceTTL)
		stores.Rates = replay.NewMemoryRates(cfg.TokenRateCacheSize, tokenRate)
	}

	shortLived, err := tokens.OpenShortLived(cfg.TokenDBPath)
	if err != nil {
		return err
	}
	defer shortLived.Close()
	stores.ShortLived = shortLived
	healthHandler.Register("tokens", shortLived.Ping)

	if cfg.DBDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		stores.Directory = tokens.NewDirectory(pool)
		healthHandler.Register("postgres", pool.Ping)
	} else {
		logger.Info("DB_DSN not set; persisted tokens disabled")
	}

	registry, err := venue.LoadRegistry(cfg.VenuesFile)
	if err != nil {
		return err
	}
	sessionPool := sessions.NewPool(registry, sessions.Options{
		MaxIdle:       cfg.PoolMaxSize,
		IdleTTL:       cfg.PoolIdleTTL,
		DefaultVenue:  cfg.DefaultExchange,
		DefaultAPIKey: cfg.DefaultAPIKey,
		DefaultSecret: cfg.DefaultAPISecret,
	}, logger.Named("sessions"), m)
	defer sessionPool.Close()
	go sessionPool.Run(ctx)

	executor := orders.NewExecutor(orders.RetryPolicy{
		MaxAttempts: cfg.RetryMax,
		Initial:     cfg.RetryInitial,
		Max:         cfg.RetryCeiling,
	}, logger.Named("executor"), m)
	bus := events.NewBus()
	orderSvc := orders.NewService(sessionPool, executor, bus, logger.Named("orders"))

	var jobs *queue.Queue
	if cfg.QueueOrders {
		jobs = queue.New(orderSvc, queue.Options{
			Workers:     cfg.QueueWorkers,
			MaxRequeues: cfg.QueueMaxRequeues,
		}, logger.Named("queue"), m)
		jobs.Start(ctx)
		orderSvc.SetEnqueuer(jobs)
	}

	gateway := auth.NewGateway(auth.Config{
		Secret:        cfg.WebhookSecret,
		MaxDrift:      cfg.MaxTimestampDrift,
		RequireAPIKey: cfg.RequireAPIKey,
		StaticAPIKey:  cfg.StaticAPIKey,
	}, stores, logger.Named("auth"))

	limiter := httpserver.NewIPLimiter(ipRate)
	go limiter.Run(ctx)

	deps := httpserver.RouterDeps{
		OrderHandler:  orders.NewHandler(orderSvc, gateway, logger.Named("webhook"), m),
		HealthHandler: healthHandler,
		IPLimiter:     limiter,
		Metrics:       m,
		Logger:        logger,
		RequireHTTPS:  cfg.RequireHTTPS,
		CORSOrigins:   cfg.CORSOrigins,
	}
	if cfg.AdminPasswordHash != "" {
		signer := admin.NewSigner(cfg.JWTIssuer, cfg.JWTSecret, cfg.JWTTTL)
		deps.Signer = signer
		deps.AdminHandler = admin.NewHandler(signer, cfg.AdminPasswordHash, shortLived, sessionPool, logger.Named("admin"))
		deps.EventsWS = events.NewWSHandler(bus, signer, cfg.WebSocketOrigin)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Bool("queue", cfg.QueueOrders),
			zap.String("replay_backend", cfg.ReplayBackend),
			zap.Strings("venues", registry.IDs()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if jobs != nil {
		jobs.Shutdown()
	}
	return nil
}
