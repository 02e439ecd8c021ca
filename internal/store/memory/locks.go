package memory

import (
	"context"
	"sync"
)

// keyedLocks hands out one exclusive slot per id. Waiting honours ctx so a
// lock timeout or a cancelled request stops the wait.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[int64]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[int64]chan struct{})}
}

func (l *keyedLocks) slot(id int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

func (l *keyedLocks) acquire(ctx context.Context, id int64) error {
	select {
	case l.slot(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *keyedLocks) release(id int64) {
	<-l.slot(id)
}
