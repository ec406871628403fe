// Package queue delivers job ids from producers to the worker pool.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue closed")

// Queue transports pending job ids. Delivery is at most once.
type Queue interface {
	Enqueue(ctx context.Context, jobID int64) error
	// Dequeue blocks until a job id is available or ctx is done
	Dequeue(ctx context.Context) (int64, error)
	Close() error
}

// Config selects and tunes the queue transport
type Config struct {
	Driver      string        `toml:"driver"` // memory or redis
	BufferSize  int           `toml:"buffer_size"`
	SendTimeout time.Duration `toml:"send_timeout"`
	Redis       RedisConfig   `toml:"redis"`
}

// RedisConfig holds the Redis list transport settings
type RedisConfig struct {
	Addr        string        `toml:"addr"`
	Password    string        `toml:"password"`
	DB          int           `toml:"db"`
	Key         string        `toml:"key"`
	PollTimeout time.Duration `toml:"poll_timeout"`
}

// DefaultConfig returns an in-memory queue configuration
func DefaultConfig() Config {
	return Config{
		Driver:      "memory",
		BufferSize:  1000,
		SendTimeout: 5 * time.Second,
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Key:         DefaultRedisKey,
			PollTimeout: 5 * time.Second,
		},
	}
}
