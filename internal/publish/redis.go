package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dektronics/densitometer-desktop-sub000/internal/config"
	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
)

// redisClient is the part of *redis.Client the sink uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// RedisSink publishes readings on a pub/sub channel and keeps the most
// recent ones in a list per source.
type RedisSink struct {
	client  redisClient
	channel string
	history int
	log     *logrus.Entry
}

// NewRedisSink connects to the server in cfg.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig, log *logrus.Logger) (*RedisSink, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	entry := log.WithField("component", "redis")
	entry.WithField("addr", cfg.Addr).Info("connected")
	return newRedisSink(client, cfg, entry), nil
}

func newRedisSink(c redisClient, cfg config.RedisConfig, log *logrus.Entry) *RedisSink {
	return &RedisSink{client: c, channel: cfg.Channel, history: cfg.History, log: log}
}

// HistoryKey is the list holding recent readings from source.
func (s *RedisSink) HistoryKey(source string) string {
	return fmt.Sprintf("%s:%s:readings", s.channel, source)
}

func (s *RedisSink) Publish(ctx context.Context, m events.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if s.history <= 0 {
		return nil
	}
	key := s.HistoryKey(m.Source)
	if err := s.client.LPush(ctx, key, data).Err(); err != nil {
		s.log.WithError(err).Warn("save to history list failed")
		return nil
	}
	if err := s.client.LTrim(ctx, key, 0, int64(s.history-1)).Err(); err != nil {
		s.log.WithError(err).Warn("trim history list failed")
	}
	return nil
}

// Recent returns up to n of the latest readings from source, newest first.
func (s *RedisSink) Recent(ctx context.Context, source string, n int) ([]events.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := s.client.LRange(ctx, s.HistoryKey(source), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]events.Message, 0, len(vals))
	for _, v := range vals {
		var m events.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.log.WithError(err).Warn("skipping corrupt history entry")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
