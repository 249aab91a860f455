package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout
const (
	reputationKeyPrefix = "isabella:reputation:"
	CrisisChannel       = "isabella:crisis"
)

// OpenRedis connects to url (redis://...) and checks the connection.
// Returns nil, nil if url is empty.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisReputationStore shares scores across processes. Each Add is an
// INCRBYFLOAT followed by EXPIRE in one transaction.
type RedisReputationStore struct {
	client redis.UniversalClient
}

// NewRedisReputationStore wraps client
func NewRedisReputationStore(client redis.UniversalClient) *RedisReputationStore {
	return &RedisReputationStore{client: client}
}

func reputationKey(subject string) string {
	return reputationKeyPrefix + subject
}

// Add adjusts the score and refreshes its expiry
func (s *RedisReputationStore) Add(ctx context.Context, subject string, delta float64, ttl time.Duration) (float64, error) {
	key := reputationKey(subject)

	var incr *redis.FloatCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, key, delta)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis reputation add: %w", err)
	}
	return incr.Val(), nil
}

// Score returns the live score, 0 if the key is missing or expired
func (s *RedisReputationStore) Score(ctx context.Context, subject string) (float64, error) {
	score, err := s.client.Get(ctx, reputationKey(subject)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis reputation score: %w", err)
	}
	return score, nil
}

// RedisAlerter publishes crisis events as JSON on CrisisChannel
type RedisAlerter struct {
	client redis.UniversalClient
}

// NewRedisAlerter wraps client
func NewRedisAlerter(client redis.UniversalClient) *RedisAlerter {
	return &RedisAlerter{client: client}
}

// Alert publishes event
func (a *RedisAlerter) Alert(ctx context.Context, event CrisisEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, CrisisChannel, payload).Err()
}
