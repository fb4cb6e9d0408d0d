package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSender defaults.
const (
	DefaultRedisKey     = "zkjudge:audit"
	DefaultRedisMaxLen  = 10000
	defaultRedisTimeout = 5 * time.Second
)

// listClient appends to a capped Redis list.
type listClient interface {
	PushCapped(ctx context.Context, key string, maxLen int64, values ...interface{}) error
	Close() error
}

type goRedisList struct {
	client *redis.Client
}

func (c *goRedisList) PushCapped(ctx context.Context, key string, maxLen int64, values ...interface{}) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -maxLen, -1)
		return nil
	})
	return err
}

func (c *goRedisList) Close() error { return c.client.Close() }

// RedisConfig configures the Redis mirror.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
	MaxLen   int64  `yaml:"max_len" json:"max_len"`
}

// RedisSender mirrors audit entries to a capped Redis list.
type RedisSender struct {
	client listClient
	key    string
	maxLen int64
	errors func(error)
}

// NewRedisSender connects to Redis.
func NewRedisSender(cfg RedisConfig) (*RedisSender, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisSender(&goRedisList{client: client}, cfg.Key, cfg.MaxLen), nil
}

func newRedisSender(client listClient, key string, maxLen int64) *RedisSender {
	if key == "" {
		key = DefaultRedisKey
	}
	if maxLen <= 0 {
		maxLen = DefaultRedisMaxLen
	}
	return &RedisSender{client: client, key: key, maxLen: maxLen, errors: func(error) {}}
}

// OnError sets the handler for failed sends.
func (s *RedisSender) OnError(fn func(error)) {
	if fn != nil {
		s.errors = fn
	}
}

// Send pushes entries. It matches the Logger remote sender signature.
func (s *RedisSender) Send(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		values = append(values, string(data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisTimeout)
	defer cancel()
	if err := s.client.PushCapped(ctx, s.key, s.maxLen, values...); err != nil {
		err = fmt.Errorf("mirror %d audit entries: %w", len(values), err)
		s.errors(err)
		return err
	}
	return nil
}

// Close closes the connection.
func (s *RedisSender) Close() error {
	return s.client.Close()
}
