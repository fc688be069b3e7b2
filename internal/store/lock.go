package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// Locker hands out exclusive per-key locks. Waiters on one key are served
// in arrival order; locks on distinct keys never contend.
type Locker struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{slots: make(map[Key]*slot)}
}

// Lock acquires every key in a canonical order so overlapping multi-key
// callers cannot deadlock. The returned func releases them all.
func (l *Locker) Lock(ctx context.Context, keys ...Key) (func(), error) {
	keys = canonical(keys)
	held := make([]Key, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, k := range keys {
		s := l.acquireSlot(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.dropSlot(k)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (l *Locker) acquireSlot(k Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[k]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[k] = s
	}
	s.refs++
	return s
}

func (l *Locker) dropSlot(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[k]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, k)
	}
}

func (l *Locker) release(k Key) {
	l.mu.Lock()
	s := l.slots[k]
	l.mu.Unlock()
	<-s.ch
	l.dropSlot(k)
}

func canonical(keys []Key) []Key {
	out := slices.Clone(keys)
	slices.SortFunc(out, func(a, b Key) int {
		if c := cmp.Compare(a.Table, b.Table); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return slices.Compact(out)
}
