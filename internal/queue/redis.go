package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStreams adapts go-redis v9 to the Streams interface.
type RedisStreams struct {
	rdb *redis.Client
}

// NewRedisStreams connects to Redis and verifies connectivity.
func NewRedisStreams(addr, password string, db int) (*RedisStreams, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisStreams{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (s *RedisStreams) Close() error {
	return s.rdb.Close()
}

func (s *RedisStreams) XAdd(ctx context.Context, stream string, values map[string]string) (string, error) {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: args}).Result()
}

func (s *RedisStreams) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	return s.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
}

func (s *RedisStreams) XReadGroup(ctx context.Context, group, consumer, stream, start string, count int64, block time.Duration) ([]Message, error) {
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, str := range res {
		for _, m := range str.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				} else {
					values[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: m.ID, Values: values})
		}
	}
	return out, nil
}

func (s *RedisStreams) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return s.rdb.XAck(ctx, stream, group, ids...).Err()
}

func (s *RedisStreams) XLen(ctx context.Context, stream string) (int64, error) {
	return s.rdb.XLen(ctx, stream).Result()
}

func (s *RedisStreams) XPending(ctx context.Context, stream, group string) (int64, error) {
	p, err := s.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

func (s *RedisStreams) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
