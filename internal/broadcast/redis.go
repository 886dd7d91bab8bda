package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stemdeck/internal/config"
)

// RedisClient is the subset of *redis.Client the broadcaster uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Redis publishes every event on a pub/sub channel and keeps the latest event
// per job under "<channel>:job:<id>" so late subscribers can catch up.
type Redis struct {
	client  RedisClient
	channel string
	ttl     time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client RedisClient, channel string, ttl time.Duration) *Redis {
	return &Redis{client: client, channel: channel, ttl: ttl}
}

// DialRedis connects to the configured server and verifies it answers PING.
func DialRedis(ctx context.Context, cfg *config.Config) (*Redis, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Broadcast.RedisAddr,
		Password: cfg.Broadcast.RedisPassword,
		DB:       cfg.Broadcast.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Broadcast.RedisAddr, err)
	}
	return NewRedis(client, cfg.Broadcast.RedisChannel, cfg.TerminalTTL()), client, nil
}

// Publish implements Broadcaster.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if err := r.client.Set(ctx, r.StateKey(ev.JobID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// StateKey returns the key holding the latest event of a job.
func (r *Redis) StateKey(jobID string) string {
	return r.channel + ":job:" + jobID
}
