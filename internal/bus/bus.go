// Package bus coordinates pipeline instances through Redis: a per-stage
// run-lock and a stream of snapshot publication events.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockPrefix = "hippocampus:lock:"
	// SnapshotStream carries one event per published snapshot.
	SnapshotStream = "hippocampus:snapshots"
	streamMaxLen   = 10000
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Bus is a Redis-backed lock and event stream.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// TryLock acquires the named run-lock for at most ttl. When another holder
// owns it, the error wraps faults.ErrConcurrencyConflict.
func (b *Bus) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := lockPrefix + name
	token := uuid.NewString()
	ok, err := b.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, faults.Conflict(name)
	}
	b.logger.Debug("lock acquired", zap.String("lock", name), zap.Duration("ttl", ttl))

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, b.rdb, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if n == 0 {
			b.logger.Warn("lock expired before release", zap.String("lock", name))
		}
		return nil
	}, nil
}

// Event announces that a stage published a new snapshot.
type Event struct {
	Stage   string         `json:"stage"`
	Version int64          `json:"version"`
	At      time.Time      `json:"at"`
	Summary map[string]int `json:"summary,omitempty"`
}

// Publish appends an event to the snapshot stream.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: SnapshotStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", SnapshotStream, err)
	}
	b.logger.Debug("snapshot event published",
		zap.String("stage", ev.Stage),
		zap.Int64("version", ev.Version))
	return nil
}

// Subscribe streams events published after the call. Cancel ctx to stop.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{SnapshotStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}
			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, ok := decodeEvent(msg.Values)
					if !ok {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func decodeEvent(values map[string]interface{}) (Event, bool) {
	data, ok := values["data"].(string)
	if !ok {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
