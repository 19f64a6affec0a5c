//go:build integration

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) *Bus {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { testcontainers.TerminateContainer(container) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	b, err := New(ctx, "redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRunLock(t *testing.T) {
	b := startRedis(t)
	ctx := context.Background()

	release, err := b.TryLock(ctx, "consolidation", time.Minute)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := b.TryLock(ctx, "consolidation", time.Minute); !errors.Is(err, faults.ErrConcurrencyConflict) {
		t.Fatalf("second lock: got %v, want ErrConcurrencyConflict", err)
	}
	if _, err := b.TryLock(ctx, "semantic", time.Minute); err != nil {
		t.Fatalf("other stage must not be blocked: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := b.TryLock(ctx, "consolidation", time.Minute); err != nil {
		t.Fatalf("relock after release: %v", err)
	}
}

func TestExpiredLockIsNotStolenOnRelease(t *testing.T) {
	b := startRedis(t)
	ctx := context.Background()

	release, err := b.TryLock(ctx, "episodes", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := b.TryLock(ctx, "episodes", time.Minute); err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	_ = release(ctx)
	if _, err := b.TryLock(ctx, "episodes", time.Minute); !errors.Is(err, faults.ErrConcurrencyConflict) {
		t.Fatalf("stale release freed the new holder's lock: %v", err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events := b.Subscribe(ctx)
	time.Sleep(200 * time.Millisecond)
	want := Event{Stage: "semantic", Version: 4, At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-events:
		if got.Stage != want.Stage || got.Version != want.Version {
			t.Errorf("got %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
