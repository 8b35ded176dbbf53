// Package lock keeps at most one sync per account in flight.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryLock when another holder owns the key.
var ErrHeld = errors.New("lock held")

// Release gives up a held lock. It is safe to call more than once.
type Release func()

// Locker grants exclusive, non-blocking ownership of a key.
type Locker interface {
	// TryLock acquires key or returns ErrHeld without waiting.
	TryLock(ctx context.Context, key string) (Release, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key string) (Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

// Chain acquires every locker in order and releases them in reverse. If
// any locker refuses, the ones already acquired are released.
type Chain []Locker

// TryLock implements Locker.
func (c Chain) TryLock(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c {
		release, err := l.TryLock(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
