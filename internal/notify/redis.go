package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
)

// historyLimit caps the alert history list
const historyLimit = 100

// Alert is the payload published to Redis
type Alert struct {
	Pipeline string    `json:"pipeline"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisNotifier publishes alerts on a channel and keeps the latest ones in a
// capped list named "<channel>:history".
type RedisNotifier struct {
	client  redisClient
	channel string
	now     func() time.Time
}

// NewRedisNotifier connects to the Redis server at addr
func NewRedisNotifier(addr string, db int, channel string) (*RedisNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", apperrors.ErrConfiguration)
	}
	if channel == "" {
		channel = "candles:alerts"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   2,
	})
	return newRedisNotifier(client, channel), nil
}

func newRedisNotifier(client redisClient, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, now: time.Now}
}

// HistoryKey returns the list holding recent alerts
func (r *RedisNotifier) HistoryKey() string {
	return r.channel + ":history"
}

// Notify publishes the alert and records it in the history list
func (r *RedisNotifier) Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error {
	payload, err := json.Marshal(Alert{
		Pipeline: pipelineID,
		Severity: severity.String(),
		Message:  message,
		SentAt:   r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish alert for %s: %w", pipelineID, err)
	}
	if err := r.client.LPush(ctx, r.HistoryKey(), payload).Err(); err != nil {
		return fmt.Errorf("failed to record alert for %s: %w", pipelineID, err)
	}
	if err := r.client.LTrim(ctx, r.HistoryKey(), 0, historyLimit-1).Err(); err != nil {
		return fmt.Errorf("failed to trim alert history: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}

var _ Notifier = (*RedisNotifier)(nil)
