package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "segments:idempotency:"
	// pendingMarker is stored while the create that owns the key is still running.
	pendingMarker = "pending"
)

// IdempotencyStatus describes what a Reserve call found.
type IdempotencyStatus int

const (
	// IdempotencyReserved means the caller now owns the key and should run the create.
	IdempotencyReserved IdempotencyStatus = iota
	// IdempotencyInFlight means another create holding the key has not finished.
	IdempotencyInFlight
	// IdempotencyCompleted means a create already finished; its segment id is returned.
	IdempotencyCompleted
)

// IdempotencyRepository remembers which Create request produced which segment.
type IdempotencyRepository interface {
	Reserve(ctx context.Context, key string) (IdempotencyStatus, uuid.UUID, error)
	Complete(ctx context.Context, key string, segmentID uuid.UUID) error
	Release(ctx context.Context, key string) error
}

type redisIdempotencyRepository struct {
	client     *redis.Client
	pendingTTL time.Duration
	ttl        time.Duration
}

// NewRedisIdempotencyRepository creates an IdempotencyRepository storing keys in Redis.
// A reservation expires after pendingTTL unless Complete extends it to ttl.
func NewRedisIdempotencyRepository(client *redis.Client, pendingTTL, ttl time.Duration) IdempotencyRepository {
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = ttl
	}
	return &redisIdempotencyRepository{client: client, pendingTTL: pendingTTL, ttl: ttl}
}

var _ IdempotencyRepository = (*redisIdempotencyRepository)(nil)

func (r *redisIdempotencyRepository) Reserve(ctx context.Context, key string) (IdempotencyStatus, uuid.UUID, error) {
	redisKey := idempotencyKeyPrefix + key

	ok, err := r.client.SetNX(ctx, redisKey, pendingMarker, r.pendingTTL).Result()
	if err != nil {
		return 0, uuid.Nil, storeFailure("reserve idempotency key", err)
	}
	if ok {
		return IdempotencyReserved, uuid.Nil, nil
	}

	val, err := r.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, redisKey, pendingMarker, r.pendingTTL).Result()
		if err != nil {
			return 0, uuid.Nil, storeFailure("reserve idempotency key", err)
		}
		if ok {
			return IdempotencyReserved, uuid.Nil, nil
		}
		return IdempotencyInFlight, uuid.Nil, nil
	}
	if err != nil {
		return 0, uuid.Nil, storeFailure("read idempotency key", err)
	}

	if val == pendingMarker {
		return IdempotencyInFlight, uuid.Nil, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return 0, uuid.Nil, storeFailure("parse idempotency value", err)
	}
	return IdempotencyCompleted, id, nil
}

func (r *redisIdempotencyRepository) Complete(ctx context.Context, key string, segmentID uuid.UUID) error {
	if err := r.client.Set(ctx, idempotencyKeyPrefix+key, segmentID.String(), r.ttl).Err(); err != nil {
		return storeFailure("complete idempotency key", err)
	}
	return nil
}

func (r *redisIdempotencyRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return storeFailure("release idempotency key", err)
	}
	return nil
}
