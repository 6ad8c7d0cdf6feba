// Command edgegate-server runs the EdgeGate control plane: the HTTP
// edge (run-create, run-status, bundle-fetch, CI webhook), the
// run-engine worker pool and stale-run reaper, and the metrics/health
// listener, all wired together here rather than through package-level
// singletons.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/api"
	"github.com/edgegate/edgegate/internal/collaborators"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/runengine"
	"github.com/edgegate/edgegate/pkg/artifactstore"
	"github.com/edgegate/edgegate/pkg/ciauth"
	"github.com/edgegate/edgegate/pkg/devicecloud"
	"github.com/edgegate/edgegate/pkg/devicecloud/aihub"
	"github.com/edgegate/edgegate/pkg/kms"
	"github.com/edgegate/edgegate/pkg/metrics"
	"github.com/edgegate/edgegate/pkg/noncestore"
	"github.com/edgegate/edgegate/pkg/notification"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegate-server: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgegate-server: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	legacyLogger := logrus.New()
	if lvl, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		legacyLogger.SetLevel(lvl)
	}

	dbConfig := database.DefaultConfig()
	dbConfig.Host = cfg.Database.Host
	dbConfig.Port = cfg.Database.Port
	dbConfig.User = cfg.Database.User
	dbConfig.Password = cfg.Database.Password
	dbConfig.Database = cfg.Database.Name
	dbConfig.SSLMode = cfg.Database.SSLMode

	sqlxDB, err := database.Connect(dbConfig, legacyLogger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() { _ = sqlxDB.Close() }()
	db := sqlxDB.DB

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = cache.Close() }()
	}

	km, err := kms.NewLocalKMS(cfg.KMS.MasterKeyBase64, cfg.KMS.SigningKeysDir)
	if err != nil {
		logger.Fatal("failed to initialize key management service", zap.Error(err))
	}

	masterKey, err := kms.DecodeMasterKey(cfg.KMS.MasterKeyBase64)
	if err != nil {
		logger.Fatal("failed to decode master key", zap.Error(err))
	}

	backend, err := artifactstore.NewLocalFileBackend(artifactStorageRoot())
	if err != nil {
		logger.Fatal("failed to initialize artifact storage backend", zap.Error(err))
	}
	artifactRepo := artifactstore.NewRepository(db, logger)
	caps := artifactstore.SizeCaps{
		artifactstore.KindModel:  cfg.Limits.ModelUploadSizeBytes,
		artifactstore.KindBundle: cfg.Limits.BundleSizeBytes,
	}
	artifacts := artifactstore.NewStore(backend, artifactRepo, caps, logger, nil)

	nonces := noncestore.New(db, cache, logger)

	integrations := collaborators.NewIntegrationResolver(sqlxDB, km)
	pipelines := collaborators.NewPipelineRepository(sqlxDB, km, logger)
	promptpacks := collaborators.NewPromptpackRepository(sqlxDB)

	auth := ciauth.New(km, integrations, nonces, masterKey, logger)

	var deviceClient devicecloud.Client
	if cfg.DeviceCloud.UseMock {
		deviceClient = aihub.NewMockClient()
	} else {
		deviceClient = aihub.NewClient(cfg.DeviceCloud.BaseURL, time.Duration(cfg.DeviceCloud.TimeoutSeconds)*time.Second)
	}

	runs := runengine.NewRunRepository(sqlxDB, logger)
	orchestrator := runengine.NewOrchestrator(runs, deviceClient, artifacts, km, pipelines, promptpacks, integrations, logger)
	if cfg.Notification.WebhookURL != "" {
		orchestrator.SetNotifier(notification.NewSlackService(cfg.Notification.WebhookURL, cfg.Notification.APIToken))
	}
	pool := runengine.NewPool(orchestrator, runs, cfg.Worker.Concurrency, logger)

	handler := api.NewHandler(runs, artifacts, pool, auth, logger)
	router := api.NewRouter(handler, api.Config{
		AllowedOrigins:     cfg.API.AllowedOrigins,
		RateLimitPerMinute: cfg.API.RateLimitPerMinute,
	}, logger)

	apiServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, legacyLogger)
	metricsServer.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pool.Run(ctx)
	go pool.RunReaper(ctx,
		time.Duration(cfg.Worker.ReapIntervalSeconds)*time.Second,
		time.Duration(cfg.Worker.StaleGraceMinutes)*time.Minute,
	)

	go func() {
		logger.Info("api server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
}

func newLogger(level, format string) (*zap.Logger, error) {
	var zapCfg zap.Config
	if format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapCfg.Level = lvl
	}
	return zapCfg.Build()
}

func artifactStorageRoot() string {
	if root := os.Getenv("ARTIFACT_STORAGE_ROOT"); root != "" {
		return root
	}
	return "/var/lib/edgegate/artifacts"
}
