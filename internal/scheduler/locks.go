package scheduler

import (
	"context"
	"sort"
	"sync"
)

// OwnershipLocks provides mutual exclusion per ownership group at run time.
// The planner already pins each group to one agent; the locks keep that true
// when queues are rebuilt by a replan while an earlier holder is still active.
// Each key gets a one-slot channel so waiting honors context cancellation.
type OwnershipLocks struct {
	mu    sync.Mutex               // Guards the slots map itself
	slots map[string]chan struct{} // Per-key semaphores
}

// NewOwnershipLocks creates an empty lock table.
func NewOwnershipLocks() *OwnershipLocks {
	return &OwnershipLocks{
		slots: make(map[string]chan struct{}),
	}
}

func (l *OwnershipLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, exists := l.slots[key]
	if !exists {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire takes the locks for all keys, in sorted order to prevent deadlocks.
// On cancellation every lock taken so far is released and ctx.Err() returned.
// The returned release func is safe to call more than once.
func (l *OwnershipLocks) Acquire(ctx context.Context, keys []string) (func(), error) {
	sorted := dedupSorted(keys)

	held := make([]chan struct{}, 0, len(sorted))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
		held = nil
	}

	for _, key := range sorted {
		ch := l.slot(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			releaseHeld()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

// TryAcquire takes all keys without waiting. It reports false, holding
// nothing, if any key is already held.
func (l *OwnershipLocks) TryAcquire(keys []string) (func(), bool) {
	sorted := dedupSorted(keys)
	held := make([]chan struct{}, 0, len(sorted))
	for _, key := range sorted {
		ch := l.slot(key)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		default:
			for i := len(held) - 1; i >= 0; i-- {
				<-held[i]
			}
			return nil, false
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				<-held[i]
			}
		})
	}, true
}

func dedupSorted(keys []string) []string {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	return sorted
}
