// Package main initializes and starts the PlayLedger API server,
// setting up configuration, logging, database connections, payload
// storage, caches, repositories, services, handlers, and optional TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/PlayLedger/internal/config"
	"github.com/atinyakov/PlayLedger/internal/db"
	"github.com/atinyakov/PlayLedger/internal/logger"
	"github.com/atinyakov/PlayLedger/internal/metrics"
	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/payload"
	"github.com/atinyakov/PlayLedger/internal/repository"
	"github.com/atinyakov/PlayLedger/internal/server/handler/http"
	"github.com/atinyakov/PlayLedger/internal/service"
	"github.com/atinyakov/PlayLedger/internal/stats"
	"github.com/atinyakov/PlayLedger/internal/token"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line, config file and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	if options.EphemeralSecret {
		zapLogger.Warn("no jwt secret configured, sessions and stored api keys will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	payloads, err := newPayloadStore(ctx, options, postgresDB)
	if err != nil {
		zapLogger.Fatal("cannot init payload store", zap.Error(err))
	}

	// Finish deletions that a request could not complete.
	db.StartBackupPurger(ctx, postgresDB, payloads,
		options.Purge.Interval,
		options.Purge.Grace,
		zapLogger,
	)

	cache, closeCache, err := newStatsCache(ctx, options)
	if err != nil {
		zapLogger.Fatal("cannot init stats cache", zap.Error(err))
	}
	defer closeCache()

	var (
		recorder       metrics.Recorder = metrics.Noop{}
		metricsHandler nethttp.Handler
	)
	if options.Metrics {
		prom := metrics.NewPrometheus()
		recorder, metricsHandler = prom, prom.Handler()
	}

	// Initialize repositories.
	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	sessionRepo := repository.NewPostgresSessionRepository(postgresDB)
	deviceRepo := repository.NewPostgresDeviceRepository(postgresDB)
	backupRepo := repository.NewPostgresBackupRepository(postgresDB)

	// Initialize business-logic services.
	issuer := token.NewIssuer(options.JWTSecret, options.TokenTTL)
	sealer, err := service.NewKeySealer(options.JWTSecret)
	if err != nil {
		zapLogger.Fatal("cannot init api key sealer", zap.Error(err))
	}
	authService := service.NewAuthService(authRepo, issuer, sealer, zapLogger)
	gameplayService := service.NewGameplayService(sessionRepo, deviceRepo, authRepo, cache, recorder, zapLogger)
	backupService := service.NewBackupService(backupRepo, payloads, options.MaxBackupBytes(), recorder, zapLogger)

	// Build the router with middleware and routes.
	router := http.NewRouter(http.Handlers{
		Auth:     &http.AuthHandler{AuthService: authService, Log: zapLogger},
		Gameplay: &http.GameplayHandler{GameplayService: gameplayService, Log: zapLogger},
		Backup:   &http.BackupHandler{BackupService: backupService, Log: zapLogger},
		Device:   &http.DeviceHandler{Devices: gameplayService, Log: zapLogger},
	}, authService, http.RouterOptions{
		CORSOrigins:    options.CORSOrigins,
		RequestTimeout: options.RequestTimeout,
		Limiter:        middleware.NewRateLimiter(options.RateLimit.RequestsPerSec, options.RateLimit.Burst),
		FailureLimiter: middleware.NewRateLimiter(options.RateLimit.FailuresPerMinute/60, options.RateLimit.FailureBurst),
		Metrics:        recorder,
		MetricsHandler: metricsHandler,
	}, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if options.TLSCertFile != "" {
			server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
			errCh <- server.ListenAndServeTLS(options.TLSCertFile, options.TLSKeyFile)
			return
		}
		zapLogger.Info("starting HTTP server", zap.String("addr", options.Port))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		zapLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}
}

// newPayloadStore selects the backup payload backend, optionally
// compressing payloads with zstd.
func newPayloadStore(ctx context.Context, options *config.Options, postgresDB *sql.DB) (payload.Store, error) {
	var store payload.Store
	switch options.Storage.Kind {
	case config.StorageS3:
		s, err := payload.NewS3Store(ctx,
			options.Storage.S3Region,
			options.Storage.S3Endpoint,
			options.Storage.S3AccessKey,
			options.Storage.S3SecretKey,
			options.Storage.S3Bucket,
		)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = payload.NewPostgresStore(postgresDB)
	}

	if !options.Storage.Compress {
		return store, nil
	}
	return payload.NewCompressedStore(store)
}

func newStatsCache(ctx context.Context, options *config.Options) (stats.Cache, func(), error) {
	switch options.Cache.Kind {
	case config.CacheRedis:
		c, err := stats.NewRedisCache(ctx, options.Cache.RedisAddr, options.Cache.TTL)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case config.CacheMemory:
		return stats.NewMemoryCache(options.Cache.SizeMB, options.Cache.TTL), func() {}, nil
	default:
		return stats.NoopCache{}, func() {}, nil
	}
}
