package ledger

import (
	"sort"
	"sync"
	"time"
)

// keyedMutex serializes balance mutation per account identity. Locks are
// always taken in sorted order so operations touching overlapping account
// sets cannot deadlock; operations on disjoint accounts do not block each
// other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex of every given identity (deduplicated, sorted)
// and returns the matching unlock.
func (k *keyedMutex) lock(identities ...string) func() {
	keys := make([]string, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)

	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &sync.Mutex{}
			k.locks[key] = m
		}
		k.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// monotonicClock hands out strictly increasing timestamps so the record log
// never observes commit timestamps going backwards.
type monotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: time.Now}
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
