package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// Redis appends events to a Redis Stream so downstream monitoring can
// consume them at its own pace. Delivery is at-least-once at best; the
// stream is capped to keep memory bounded.
type Redis struct {
	client *redis.Client
	stream string
}

const redisStreamMaxLen = 100_000

// NewRedis connects and verifies the Redis endpoint.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = "rfdiscovery:events"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis notifier: %w", err)
	}
	return &Redis{client: client, stream: cfg.Stream}, nil
}

func (r *Redis) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":    event.Type,
			"survey":  event.SurveyID,
			"payload": string(payload),
		},
	}).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
