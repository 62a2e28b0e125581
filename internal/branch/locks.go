package branch

import (
	"context"
	"sync"
)

// Locks serialises work on a (story, branch) pair. Acquisition honours
// context cancellation.
type Locks struct {
	mu    sync.Mutex
	slots map[key]*slot
}

type key struct{ story, branch string }

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{slots: make(map[key]*slot)}
}

// Lock blocks until the pair is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *Locks) Lock(ctx context.Context, storyID, branchID string) (func(), error) {
	k := key{storyID, branchID}

	l.mu.Lock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(k, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(k, s)
		})
	}, nil
}

func (l *Locks) release(k key, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

// Held reports the number of pairs with holders or waiters.
func (l *Locks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
