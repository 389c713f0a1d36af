package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/model"
)

const epochKeyPrefix = "promoter:epoch:"

// RedisEpochStore implements EpochStore with one counter key per partition
type RedisEpochStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisEpochStore creates a Redis epoch store and checks the connection
func NewRedisEpochStore(host string, port int, password string, db int, logger *zap.Logger) (*RedisEpochStore, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisEpochStoreWithClient(client, logger), nil
}

// NewRedisEpochStoreWithClient wraps an existing client
func NewRedisEpochStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisEpochStore {
	return &RedisEpochStore{
		client: client,
		logger: logger,
	}
}

func epochKey(partition model.PartitionID) string {
	return epochKeyPrefix + partition.String()
}

// NextEpoch atomically increments and returns the partition's epoch
func (s *RedisEpochStore) NextEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	v, err := s.client.Incr(ctx, epochKey(partition)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate epoch for partition %d: %w", partition, err)
	}

	s.logger.Debug("Allocated epoch",
		zap.Int32("partition_id", int32(partition)),
		zap.Int64("epoch", v))
	return model.Epoch(v), nil
}

// CurrentEpoch returns the latest allocated epoch, or zero if none was allocated
func (s *RedisEpochStore) CurrentEpoch(ctx context.Context, partition model.PartitionID) (model.Epoch, error) {
	raw, err := s.client.Get(ctx, epochKey(partition)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read epoch for partition %d: %w", partition, err)
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch %q for partition %d: %w", raw, partition, err)
	}
	return model.Epoch(v), nil
}

// Ping checks the Redis connection
func (s *RedisEpochStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisEpochStore) Close() error {
	return s.client.Close()
}
