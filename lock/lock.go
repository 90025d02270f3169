// Package lock provides per-stage mutual exclusion for pipeline runs.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when another run already holds the lock
var ErrBusy = errors.New("lock: stage is already running")

// Unlock releases a held lock
type Unlock func()

// Locker hands out named locks without waiting for them
type Locker interface {
	TryLock(ctx context.Context, name string) (Unlock, error)
}

// Local is an in-process Locker
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: map[string]bool{}}
}

func (l *Local) TryLock(_ context.Context, name string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[name] {
		return nil, ErrBusy
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}
