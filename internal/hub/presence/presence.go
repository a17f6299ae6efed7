// Package presence tracks volatile liveness state in Redis: which user
// is connected to which session, and when a session last saw traffic.
// Everything here is advisory and TTL-bound; the durable truth lives in
// the store and the live truth in session actors.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key shapes shared with external tooling.
const (
	connectionKeyPrefix = "connections:"
	activityKeyPrefix   = "session_activity:"
)

// Tracker records connection liveness and session activity.
type Tracker interface {
	// TrackConnection maps a user to the session they are connected to.
	// The entry expires after the idle timeout unless refreshed.
	TrackConnection(ctx context.Context, userID, sessionID string) error

	// RefreshConnection extends the liveness of a user's connection entry.
	RefreshConnection(ctx context.Context, userID string) error

	// DropConnection removes a user's connection entry.
	DropConnection(ctx context.Context, userID string) error

	// ConnectionSession returns the session a user is connected to, or
	// empty when no entry exists.
	ConnectionSession(ctx context.Context, userID string) (string, error)

	// TouchSessionActivity records that a session saw traffic now.
	TouchSessionActivity(ctx context.Context, sessionID string) error

	// CountConnections returns the number of live connection entries.
	CountConnections(ctx context.Context) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying client.
	Close() error
}

// RedisTracker implements Tracker on go-redis.
type RedisTracker struct {
	client            *redis.Client
	idleTimeout       time.Duration
	inactivityTimeout time.Duration
}

// Ensure RedisTracker implements Tracker
var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker wraps an existing client.
func NewRedisTracker(client *redis.Client, idleTimeout, inactivityTimeout time.Duration) *RedisTracker {
	return &RedisTracker{
		client:            client,
		idleTimeout:       idleTimeout,
		inactivityTimeout: inactivityTimeout,
	}
}

// NewRedisTrackerFromURL connects to Redis and verifies the connection.
func NewRedisTrackerFromURL(ctx context.Context, redisURL string, idleTimeout, inactivityTimeout time.Duration) (*RedisTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	slog.Info("[Presence] connected to Redis")
	return NewRedisTracker(client, idleTimeout, inactivityTimeout), nil
}

func (t *RedisTracker) TrackConnection(ctx context.Context, userID, sessionID string) error {
	key := connectionKeyPrefix + userID
	if err := t.client.Set(ctx, key, sessionID, t.idleTimeout).Err(); err != nil {
		return fmt.Errorf("failed to track connection: %w", err)
	}
	return nil
}

func (t *RedisTracker) RefreshConnection(ctx context.Context, userID string) error {
	key := connectionKeyPrefix + userID
	if err := t.client.Expire(ctx, key, t.idleTimeout).Err(); err != nil {
		return fmt.Errorf("failed to refresh connection: %w", err)
	}
	return nil
}

func (t *RedisTracker) DropConnection(ctx context.Context, userID string) error {
	key := connectionKeyPrefix + userID
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to drop connection: %w", err)
	}
	return nil
}

func (t *RedisTracker) ConnectionSession(ctx context.Context, userID string) (string, error) {
	key := connectionKeyPrefix + userID
	val, err := t.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read connection: %w", err)
	}
	return val, nil
}

func (t *RedisTracker) TouchSessionActivity(ctx context.Context, sessionID string) error {
	key := activityKeyPrefix + sessionID
	now := time.Now().UTC().Format(time.RFC3339)
	if err := t.client.Set(ctx, key, now, t.inactivityTimeout).Err(); err != nil {
		return fmt.Errorf("failed to touch session activity: %w", err)
	}
	return nil
}

func (t *RedisTracker) CountConnections(ctx context.Context) (int, error) {
	var count int
	iter := t.client.Scan(ctx, 0, connectionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan connections: %w", err)
	}
	return count, nil
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// NoopTracker is used when no Redis URL is configured. All operations
// succeed without doing anything.
type NoopTracker struct{}

// Ensure NoopTracker implements Tracker
var _ Tracker = (*NoopTracker)(nil)

// NewNoopTracker returns the do-nothing tracker.
func NewNoopTracker() *NoopTracker {
	return &NoopTracker{}
}

func (n *NoopTracker) TrackConnection(ctx context.Context, userID, sessionID string) error {
	return nil
}

func (n *NoopTracker) RefreshConnection(ctx context.Context, userID string) error {
	return nil
}

func (n *NoopTracker) DropConnection(ctx context.Context, userID string) error {
	return nil
}

func (n *NoopTracker) ConnectionSession(ctx context.Context, userID string) (string, error) {
	return "", nil
}

func (n *NoopTracker) TouchSessionActivity(ctx context.Context, sessionID string) error {
	return nil
}

func (n *NoopTracker) CountConnections(ctx context.Context) (int, error) {
	return 0, nil
}

func (n *NoopTracker) Ping(ctx context.Context) error {
	return nil
}

func (n *NoopTracker) Close() error {
	return nil
}
