package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ CheckpointStore = (*RedisCheckpointStore)(nil)

// RedisCheckpointStore keeps checkpoints as plain integer strings under
// <prefix>checkpoint:<source>.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCheckpointStore connects and pings; an unreachable server is an error.
func NewRedisCheckpointStore(cfg RedisConfig) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", cfg.Addr, err)
	}
	return &RedisCheckpointStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisCheckpointStore) key(source string) string {
	return s.prefix + "checkpoint:" + source
}

func (s *RedisCheckpointStore) ReadCheckpoint(ctx context.Context, source string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(source)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: corrupt value %q", source, v)
	}
	return ts, nil
}

func (s *RedisCheckpointStore) WriteCheckpoint(ctx context.Context, source string, ts int64) error {
	if err := s.client.Set(ctx, s.key(source), strconv.FormatInt(ts, 10), 0).Err(); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	return nil
}

func (s *RedisCheckpointStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
