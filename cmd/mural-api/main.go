package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/muralhq/mural/backend/internal/audit"
	"github.com/muralhq/mural/backend/internal/broadcast"
	"github.com/muralhq/mural/backend/internal/cache"
	"github.com/muralhq/mural/backend/internal/canvas"
	"github.com/muralhq/mural/backend/internal/config"
	"github.com/muralhq/mural/backend/internal/database"
	"github.com/muralhq/mural/backend/internal/hub"
	"github.com/muralhq/mural/backend/internal/idgen"
	"github.com/muralhq/mural/backend/internal/locks"
	"github.com/muralhq/mural/backend/internal/logging"
	"github.com/muralhq/mural/backend/internal/pipeline"
	"github.com/muralhq/mural/backend/internal/ratelimit"
	"github.com/muralhq/mural/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Per-IP budgets for the heavyweight read endpoints.
const (
	shutdownTimeout        = 10 * time.Second
	snapshotReadsPerMinute = 10
	imageReadsPerMinute    = 5
	auditReadsPerMinute    = 5
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mural-api",
		Short: "Mural collaborative canvas backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("canvas-width", defaults.GetInt("canvas.width"), "Canvas width in cells")
	cmd.PersistentFlags().Int("canvas-height", defaults.GetInt("canvas.height"), "Canvas height in cells")
	cmd.PersistentFlags().Duration("batch-window", defaults.GetDuration("broadcast.window"), "Broadcast batch window")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("canvas.flush_interval"), "Canvas persistence interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "canvas.width", "canvas-width")
	bindFlag(cmd, "canvas.height", "canvas-height")
	bindFlag(cmd, "broadcast.window", "batch-window")
	bindFlag(cmd, "canvas.flush_interval", "flush-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := canvas.NewStore(appConfig.CanvasWidth, appConfig.CanvasHeight)
	if err != nil {
		return err
	}

	repository, err := canvas.NewRepository(canvas.RepositoryConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	flusher, err := canvas.NewFlusher(canvas.FlusherConfig{
		Store:      store,
		Repository: repository,
		Interval:   appConfig.FlushInterval,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	persisted, found, err := repository.Load(ctx)
	if err != nil {
		return err
	}
	if found {
		if restoreErr := store.Restore(persisted.Bitmap, persisted.Version); restoreErr != nil {
			logger.Warn("persisted canvas ignored", zap.Error(restoreErr))
		} else {
			flusher.MarkFlushed(persisted.Version)
			logger.Info("canvas restored",
				zap.Int64("version", persisted.Version),
				zap.String("hash", store.Hash()))
		}
	}

	ids := idgen.NewUUIDProvider()

	lockManager, err := locks.NewManager(locks.ManagerConfig{
		Database:     db,
		CanvasWidth:  appConfig.CanvasWidth,
		CanvasHeight: appConfig.CanvasHeight,
		Clock:        time.Now,
		IDProvider:   ids,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	if err := lockManager.LoadPersisted(ctx); err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Burst:        appConfig.RateBurst,
		RefillPerSec: appConfig.RateRefillPerSec,
		MinuteCap:    appConfig.RateMinuteCap,
	})

	sessions, err := hub.NewHub(hub.Config{
		QueueSize:         appConfig.SendQueueSize,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		SessionTimeout:    appConfig.SessionTimeout,
		IDProvider:        ids,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	batcher, err := broadcast.NewBatcher(broadcast.BatcherConfig{
		Window:   appConfig.BatchWindow,
		HashFunc: store.Hash,
		Publish:  server.BulkUpdatePublisher(sessions, logger),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	writePipeline, err := pipeline.New(pipeline.Config{
		Store:   store,
		Locks:   lockManager,
		Rate:    limiter,
		Batcher: batcher,
		Audit:   recorder,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	snapshotCache := cache.NewTTL[int64, []byte](appConfig.SnapshotCacheTTL, time.Now)
	imageCache := cache.NewTTL[int64, []byte](appConfig.SnapshotCacheTTL, time.Now)
	snapshotReads := ratelimit.NewWindowLimiter(snapshotReadsPerMinute, time.Minute, time.Now)
	imageReads := ratelimit.NewWindowLimiter(imageReadsPerMinute, time.Minute, time.Now)
	auditReads := ratelimit.NewWindowLimiter(auditReadsPerMinute, time.Minute, time.Now)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:           store,
		Pipeline:        writePipeline,
		Locks:           lockManager,
		Hub:             sessions,
		Audit:           recorder,
		SnapshotCache:   snapshotCache,
		ImageCache:      imageCache,
		SnapshotLimiter: snapshotReads,
		ImageLimiter:    imageReads,
		AuditLimiter:    auditReads,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	runWorker := func(run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(signalCtx)
		}()
	}
	runWorker(flusher.Run)
	runWorker(recorder.Run)
	runWorker(batcher.Run)
	runWorker(sessions.Run)
	runWorker(limiter.Run)
	runWorker(snapshotReads.Run)
	runWorker(imageReads.Run)
	runWorker(auditReads.Run)
	runWorker(snapshotCache.Run)
	runWorker(imageCache.Run)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("canvas_width", appConfig.CanvasWidth),
			zap.Int("canvas_height", appConfig.CanvasHeight))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Workers finish their final flush and drain before exit.
		workers.Wait()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
