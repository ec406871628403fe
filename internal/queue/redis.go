package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey is the list holding pending job ids
const DefaultRedisKey = "catalogsync:jobs"

// listClient is the part of the redis client the queue uses
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Close() error
}

// RedisQueue shares pending job ids between processes through a Redis list.
// Producers LPUSH and workers BRPOP so ids are consumed oldest first.
type RedisQueue struct {
	client      listClient
	key         string
	pollTimeout time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(ctx context.Context, config RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   3,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisQueue(client, config), nil
}

func newRedisQueue(client listClient, config RedisConfig) *RedisQueue {
	key := config.Key
	if key == "" {
		key = DefaultRedisKey
	}
	poll := config.PollTimeout
	if poll <= 0 {
		poll = DefaultConfig().Redis.PollTimeout
	}
	return &RedisQueue{client: client, key: key, pollTimeout: poll}
}

func (q *RedisQueue) Enqueue(ctx context.Context, jobID int64) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		vals, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, redis.ErrClosed):
			return 0, ErrClosed
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, fmt.Errorf("failed to dequeue: %w", err)
		}

		// BRPOP replies with [key, value]
		if len(vals) != 2 {
			return 0, fmt.Errorf("unexpected BRPOP reply: %v", vals)
		}
		id, err := strconv.ParseInt(vals[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid job id %q on queue: %w", vals[1], err)
		}
		return id, nil
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
