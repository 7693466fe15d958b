// Command pipeline runs the whole toll event pipeline in one process:
// agency pollers, the normalize/match/persist/close consumers, the health
// registry, and the ops API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/connector"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/dedup"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/health"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/httpapi"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/matcher"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/normalizer"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/persister"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/rater"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/statement"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
	"github.com/parth3690/nationwide-toll-hub-sub000/migrations"
)

const serviceName = "toll-pipeline"

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- OpenTelemetry Tracer ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", otelEndpoint))
	}

	// --- Configuration ---
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("configuration invalid", zap.Error(err))
		os.Exit(config.ExitConfig)
	}

	// --- Vault Secret Overlay (optional) ---
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		secretPath := os.Getenv("VAULT_SECRET_PATH")
		if secretPath == "" {
			secretPath = "secret/data/tollhub"
		}
		sm, err := config.NewSecretManager(vaultAddr, os.Getenv("VAULT_TOKEN"))
		if err != nil {
			logger.Error("Vault connection failed", zap.Error(err))
			os.Exit(config.ExitConfig)
		}
		secrets, err := sm.GetKV2(secretPath)
		if err != nil {
			logger.Error("Vault secret load failed", zap.String("path", secretPath), zap.Error(err))
			os.Exit(config.ExitConfig)
		}
		config.Overlay(cfg, secrets)
		if err := cfg.Validate(); err != nil {
			logger.Error("configuration invalid after Vault overlay", zap.Error(err))
			os.Exit(config.ExitConfig)
		}
		logger.Info("Vault secrets applied", zap.String("path", secretPath))
	}

	// --- Database Pool (OTel-instrumented) ---
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL)
	if err != nil {
		logger.Error("failed to parse db.url", zap.Error(err))
		os.Exit(config.ExitConfig)
	}
	poolCfg.MaxConns = int32(cfg.DB.PoolMax)
	poolCfg.MinConns = int32(cfg.DB.PoolMin)
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Error("failed to create database pool", zap.Error(err))
		os.Exit(config.ExitDB)
	}
	defer pool.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = pool.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("database unreachable", zap.Error(err))
		os.Exit(config.ExitDB)
	}
	logger.Info("connected to database")

	if cfg.DB.Migrate {
		if err := migrations.Up(pool); err != nil {
			logger.Error("migrations failed", zap.Error(err))
			os.Exit(config.ExitDB)
		}
		logger.Info("migrations applied")
	}

	// --- Redis (dedup keys, plate cache) ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// --- Event Bus ---
	js, err := bus.ConnectJetStream(cfg.Bus.Brokers[0], cfg.Bus.ClientID, bus.Options{
		Partitions:    cfg.Bus.Partitions,
		MaxDeliveries: cfg.Bus.MaxDeliveries,
	}, logger)
	if err != nil {
		logger.Error("bus connect failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}
	defer js.Close()

	if err := js.Provision(); err != nil {
		logger.Error("bus provisioning failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	// --- Shared Infrastructure ---
	st := store.NewStore(pool)
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	dedupStore := dedup.New(rdb, time.Duration(cfg.Dedup.TTLDays)*24*time.Hour)
	pricer := rater.New(st, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Agency Connectors & Pollers ---
	heartbeatEvery := time.Duration(cfg.Health.HeartbeatS) * time.Second
	for _, connCfg := range cfg.Connectors {
		conn, err := connector.New(connCfg, logger)
		if err != nil {
			logger.Error("connector construction failed",
				zap.String("agency", connCfg.AgencyID), zap.Error(err))
			os.Exit(config.ExitConfig)
		}

		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err = conn.Initialize(initCtx)
		initCancel()
		if err != nil {
			if connector.KindOf(err) == connector.KindConfiguration {
				logger.Error("connector misconfigured",
					zap.String("agency", connCfg.AgencyID), zap.Error(err))
				os.Exit(config.ExitConfig)
			}
			// Transient startup failure: the poller retries authentication
			// on its own schedule.
			logger.Warn("connector initialization deferred",
				zap.String("agency", connCfg.AgencyID), zap.Error(err))
		}

		poller := connector.NewPoller(conn, connCfg, js, st, metrics, heartbeatEvery, logger)
		go poller.Run(ctx)
	}

	// --- Stage Consumers ---
	normCons := normalizer.NewConsumer(js, dedupStore, metrics, logger)
	if err := normCons.Start(ctx); err != nil {
		logger.Error("normalizer start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	plateCache := matcher.NewPlateCache(rdb, logger)
	matchCons := matcher.NewConsumer(js, matcher.New(st, plateCache, cfg.Matcher, logger), pricer, st, metrics, logger)
	if err := matchCons.Start(ctx); err != nil {
		logger.Error("matcher start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	persistCons := persister.NewConsumer(js, st, cfg.Statement, metrics, logger)
	if err := persistCons.Start(ctx); err != nil {
		logger.Error("persister start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	statusCons := persister.NewStatusConsumer(js, st, cfg.Statement, logger)
	if err := statusCons.Start(ctx); err != nil {
		logger.Error("status consumer start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	closer := statement.NewCloser(js, st, metrics, logger)
	if err := closer.Start(ctx); err != nil {
		logger.Error("statement closer start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	scheduler := statement.NewScheduler(st, js, cfg.Statement, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("close sweep start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	// --- Health Registry & Monitor ---
	notifier := health.NewNotifier(cfg.Health.Webhook, logger)
	registry := health.NewRegistry(js, time.Duration(cfg.Health.TTLS)*time.Second, notifier, metrics, logger)
	if err := registry.Start(ctx); err != nil {
		logger.Error("health registry start failed", zap.Error(err))
		os.Exit(config.ExitBus)
	}

	monitor := health.NewMonitor(js, st, metrics, 15*time.Second, logger)
	go monitor.Run(ctx)

	// --- Ops API ---
	review := httpapi.NewReviewHandler(st, js, pricer, logger)
	srv := httpapi.NewServer(cfg.HTTP, registry, review, promReg, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("ops API failure", zap.Error(err))
		}
	}()

	logger.Info("pipeline started",
		zap.Int("connectors", len(cfg.Connectors)),
		zap.String("http", cfg.HTTP.Addr),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("initiating graceful shutdown")

	// Stop pollers and consumer fetch loops; in-flight handlers finish and
	// ack before their workers exit.
	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops API shutdown error", zap.Error(err))
	}

	js.Close()
	rdb.Close()
	pool.Close()

	logger.Info("pipeline shut down cleanly")
}
