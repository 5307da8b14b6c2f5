// Package presence records when users were last connected.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix   = "presence:last_seen:"
	lastSeenTTL = 30 * 24 * time.Hour
)

type Tracker interface {
	SetLastSeen(ctx context.Context, userId string, at time.Time) error
	// LastSeen reports false when no timestamp has been recorded for userId.
	LastSeen(ctx context.Context, userId string) (time.Time, bool, error)
}

type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client, ttl: lastSeenTTL}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *RedisTracker) SetLastSeen(ctx context.Context, userId string, at time.Time) error {
	err := r.client.Set(ctx, keyPrefix+userId, at.UTC().Format(time.RFC3339Nano), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

func (r *RedisTracker) LastSeen(ctx context.Context, userId string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, keyPrefix+userId).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get last seen: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen %q: %w", val, err)
	}
	return at, true, nil
}

type MemoryTracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{lastSeen: make(map[string]time.Time)}
}

func (m *MemoryTracker) SetLastSeen(_ context.Context, userId string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userId] = at.UTC()
	return nil
}

func (m *MemoryTracker) LastSeen(_ context.Context, userId string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.lastSeen[userId]
	return at, ok, nil
}
