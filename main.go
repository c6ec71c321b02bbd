package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/config"
	"github.com/ekaya-inc/ekaya-segments/pkg/database"
	"github.com/ekaya-inc/ekaya-segments/pkg/handlers"
	"github.com/ekaya-inc/ekaya-segments/pkg/logging"
	"github.com/ekaya-inc/ekaya-segments/pkg/mcp"
	"github.com/ekaya-inc/ekaya-segments/pkg/middleware"
	"github.com/ekaya-inc/ekaya-segments/pkg/queryengine"
	"github.com/ekaya-inc/ekaya-segments/pkg/repositories"
	"github.com/ekaya-inc/ekaya-segments/pkg/retry"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

// store bundles the selected segment repository with its health check and cleanup.
type store struct {
	repo   repositories.SegmentRepository
	health handlers.HealthChecker
	close  func()
}

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		// No logger yet; config decides which one to build.
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("store_backend", cfg.SegmentStore.Backend),
		zap.String("query_engine", cfg.QueryEngine.BaseURL),
		zap.String("timezone", cfg.Location.String()),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("mcp", cfg.MCP.Enabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open segment store", zap.Error(err))
	}
	defer st.close()

	var idempotency repositories.IdempotencyRepository
	redisClient, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*redis.Client, error) {
		return database.NewRedisClient(ctx, &cfg.Redis)
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		idempotency = repositories.NewRedisIdempotencyRepository(redisClient,
			cfg.Segments.IdempotencyPendingTTL, cfg.Segments.IdempotencyTTL)
		logger.Info("Idempotency keys enabled", zap.String("redis", cfg.Redis.Addr()))
	}

	engine := queryengine.NewBreakerClient(
		queryengine.NewInstrumentedClient(
			queryengine.NewHTTPClient(cfg.QueryEngine.BaseURL, cfg.QueryEngine.Timeout, logger)),
		queryengine.BreakerConfig{
			Threshold:  cfg.QueryEngine.BreakerThreshold,
			ResetAfter: cfg.QueryEngine.BreakerResetAfter,
		},
		logger)

	segmentService := services.NewSegmentService(st.repo, engine, idempotency, time.Now, cfg.Location, logger)

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, st.health, logger)
	healthHandler.RegisterRoutes(mux)

	segmentsHandler := handlers.NewSegmentsHandler(segmentService, logger)
	segmentsHandler.RegisterRoutes(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.MCP.Enabled {
		mcpServer := mcp.NewServer("ekaya-segments", cfg.Version, segmentService, st.health, logger)
		handlers.NewMCPHandler(mcpServer, logger).RegisterRoutes(mux)
	}

	handler := middleware.Metrics()(middleware.RequestLogger(logger, "/health", "/metrics")(mux))

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting ekaya-segments",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openStore connects to the configured backend, retrying while it starts up.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store, error) {
	switch cfg.SegmentStore.Backend {
	case config.BackendPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return openMongo(ctx, cfg, logger)
	}
}

func openMongo(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store, error) {
	logger.Info("Connecting to MongoDB", zap.String("uri", logging.SanitizeConnectionString(cfg.Mongo.URI)))

	client, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*mongo.Client, error) {
		return database.NewMongoClient(ctx, &database.MongoConfig{URI: cfg.Mongo.URI})
	})
	if err != nil {
		return nil, err
	}

	coll := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
	repo, err := repositories.NewMongoSegmentRepository(ctx, coll, cfg.Location, logger)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &store{
		repo:   repo,
		health: database.MongoHealth{Client: client},
		close:  func() { _ = client.Disconnect(context.Background()) },
	}, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store, error) {
	logger.Info("Connecting to PostgreSQL",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Database))

	sqlDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return nil, err
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return sqlDB.PingContext(ctx)
	})
	if err == nil {
		err = database.RunMigrations(sqlDB, cfg.Database.MigrationsPath, logger)
	}
	_ = sqlDB.Close()
	if err != nil {
		return nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, err
	}

	return &store{
		repo:   repositories.NewPostgresSegmentRepository(db, cfg.Location),
		health: db,
		close:  db.Close,
	}, nil
}
