package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tempandmajor/ottowrite-sub000/internal/app"
	"github.com/tempandmajor/ottowrite-sub000/internal/config"
	"github.com/tempandmajor/ottowrite-sub000/internal/gitrepo"
	"github.com/tempandmajor/ottowrite-sub000/internal/logging"
	"github.com/tempandmajor/ottowrite-sub000/internal/search"
	"github.com/tempandmajor/ottowrite-sub000/internal/session"
	"github.com/tempandmajor/ottowrite-sub000/internal/snapshot"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/undo"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid configuration", err)
	}
	ctx := context.Background()

	var dataStore app.DataStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "database connection failed", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			fatal(logger, "migrations failed", err)
		}
		dataStore = store.NewPostgresStore(db)
		logger.Info("using postgres store")
	} else {
		dataStore = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fatal(logger, "invalid REDIS_URL", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisClient.Close()
	}

	var snapshots snapshot.Store
	switch {
	case cfg.MinioEndpoint != "":
		minioStore, err := snapshot.NewMinioStore(ctx, snapshot.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			fatal(logger, "minio connection failed", err)
		}
		snapshots = minioStore
		logger.Info("undo snapshots in minio", "bucket", cfg.MinioBucket)
	case redisClient != nil:
		snapshots = snapshot.NewRedisStore(redisClient, cfg.UndoSessionTTL)
		logger.Info("undo snapshots in redis")
	default:
		snapshots = snapshot.NewMemoryStore()
		logger.Info("undo snapshots in memory")
	}

	var (
		states     session.StateStore
		redisState *session.RedisStore
	)
	if redisClient != nil {
		redisState = session.NewRedisStoreWithClient(redisClient, cfg.UndoSessionTTL)
		states = redisState
	} else {
		states = session.NewMemoryStore()
	}
	flusher := undo.NewFlusher(states, cfg.UndoFlushInterval, logger)
	registry, err := session.NewRegistry(states, flusher, cfg.UndoMaxSessions, cfg.UndoMaxStackSize, logger)
	if err != nil {
		fatal(logger, "undo registry setup failed", err)
	}
	flusher.Start()

	var mirror *gitrepo.Mirror
	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			fatal(logger, "failed to create repos dir", err)
		}
		mirror = gitrepo.NewMirror(cfg.ReposDir)
		logger.Info("git history mirror enabled", "dir", cfg.ReposDir)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger)

	service := app.New(cfg, logger, app.Deps{
		Store:     dataStore,
		Snapshots: snapshots,
		Sessions:  registry,
		Mirror:    mirror,
		Search:    searchService,
		Redis:     redisState,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("ottowrite API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	flusher.Stop(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
