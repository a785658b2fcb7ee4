package relaysync

import (
	"context"
	"sync"
)

// pairLocks serializes cycles per (workspace, account). Slots are one-element
// channels so acquisition can be abandoned when the context ends.
type pairLocks struct {
	mu    sync.Mutex
	slots map[string]*pairSlot
}

type pairSlot struct {
	ch      chan struct{}
	waiters int
}

func newPairLocks() *pairLocks {
	return &pairLocks{slots: map[string]*pairSlot{}}
}

func (l *pairLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &pairSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, slot, true) })
	}, nil
}

func (l *pairLocks) release(key string, slot *pairSlot, held bool) {
	if held {
		<-slot.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.waiters--
	if slot.waiters <= 0 {
		if current, ok := l.slots[key]; ok && current == slot {
			delete(l.slots, key)
		}
	}
}
