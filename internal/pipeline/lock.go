package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/hippocampus/internal/faults"
)

// Locker guards a stage against overlapping runs. *bus.Bus implements it
// across processes; LocalLocker within one.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// LocalLocker is an in-process Locker. The ttl is ignored; the lock lives
// until released.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, name string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, faults.Conflict(name)
	}
	l.held[name] = true
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
