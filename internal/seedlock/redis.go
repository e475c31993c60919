package seedlock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker stores lock records in Redis under a prefixed key per
// document. The record also carries a Redis expiry slightly past the
// staleness TTL so abandoned locks cost nothing to keep.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLocker creates a locker from a Redis URL.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

// NewRedisLockerWithClient creates a locker from an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{
		client: client,
		prefix: "seedlock:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (l *RedisLocker) key(documentID string) string {
	return l.prefix + documentID
}

// TryAcquire implements Locker with a read-check-write round trip.
func (l *RedisLocker) TryAcquire(ctx context.Context, documentID, holderID string) (bool, error) {
	key := l.key(documentID)
	now := l.now()

	var existing *Record
	raw, err := l.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// No record; free to acquire.
	case err != nil:
		return false, fmt.Errorf("read seed lock: %w", err)
	default:
		var rec Record
		if unmarshalErr := json.Unmarshal([]byte(raw), &rec); unmarshalErr == nil {
			existing = &rec
		}
		// A corrupt record is treated as absent.
	}

	if !grantable(existing, holderID, l.ttl, now) {
		return false, nil
	}

	rec := Record{DocumentID: documentID, HolderID: holderID, AcquiredAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal seed lock: %w", err)
	}
	if err := l.client.Set(ctx, key, data, l.ttl*2).Err(); err != nil {
		return false, fmt.Errorf("write seed lock: %w", err)
	}
	return true, nil
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
