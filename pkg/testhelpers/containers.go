package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/database"
)

const (
	PostgresImage = "postgres:16-alpine"
	MongoImage    = "mongo:7.0"
	RedisImage    = "redis:7-alpine"
)

// SegmentsDB holds a shared PostgreSQL container with migrations applied.
type SegmentsDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

// MongoDB holds a shared MongoDB container and client.
type MongoDB struct {
	Container testcontainers.Container
	Client    *mongo.Client
	URI       string
}

// Redis holds a shared Redis container and client.
type Redis struct {
	Container testcontainers.Container
	Client    *redis.Client
}

var (
	sharedPostgres     *SegmentsDB
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error

	sharedMongo     *MongoDB
	sharedMongoOnce sync.Once
	sharedMongoErr  error

	sharedRedis     *Redis
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// GetSegmentsDB returns a shared PostgreSQL database for integration tests.
// The container is created once per test binary and reused.
func GetSegmentsDB(t *testing.T) *SegmentsDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedPostgresOnce.Do(func() {
		sharedPostgres, sharedPostgresErr = setupPostgres()
	})
	if sharedPostgresErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedPostgresErr)
	}
	return sharedPostgres
}

// GetMongoDB returns a shared MongoDB instance for integration tests.
func GetMongoDB(t *testing.T) *MongoDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedMongoOnce.Do(func() {
		sharedMongo, sharedMongoErr = setupMongo()
	})
	if sharedMongoErr != nil {
		t.Fatalf("Failed to setup test MongoDB: %v", sharedMongoErr)
	}
	return sharedMongo
}

// GetRedis returns a shared Redis instance for integration tests.
func GetRedis(t *testing.T) *Redis {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRedisOnce.Do(func() {
		sharedRedis, sharedRedisErr = setupRedis()
	})
	if sharedRedisErr != nil {
		t.Fatalf("Failed to setup test Redis: %v", sharedRedisErr)
	}
	return sharedRedis
}

// MigrationsPath returns the absolute path of the repository's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// startContainer starts req and returns the host and mapped port of its first exposed port.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to get container port: %w", err)
	}
	return container, host, port.Port(), nil
}

func setupPostgres() (*SegmentsDB, error) {
	ctx := context.Background()

	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "segments_test",
			"POSTGRES_USER":     "ekaya",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/segments_test?sslmode=disable", host, port)

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	// golang-migrate needs database/sql
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SegmentsDB{Container: container, DB: db, ConnStr: connStr}, nil
}

func setupMongo() (*MongoDB, error) {
	ctx := context.Background()

	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        MongoImage,
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForLog("Waiting for connections").
			WithStartupTimeout(60 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port)
	client, err := database.NewMongoClient(ctx, &database.MongoConfig{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test MongoDB: %w", err)
	}

	return &MongoDB{Container: container, Client: client, URI: uri}, nil
}

func setupRedis() (*Redis, error) {
	ctx := context.Background()

	container, host, port, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping test Redis: %w", err)
	}

	return &Redis{Container: container, Client: client}, nil
}
