package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds MongoDB connection configuration.
type MongoConfig struct {
	URI            string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// NewMongoClient connects to MongoDB and verifies the connection against the primary.
func NewMongoClient(ctx context.Context, cfg *MongoConfig) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)

	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	opts.SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, nil
}

// MongoHealth adapts a client to the health check used by /health and the MCP health tool.
type MongoHealth struct {
	Client *mongo.Client
}

// HealthCheck pings the primary.
func (m MongoHealth) HealthCheck(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}
