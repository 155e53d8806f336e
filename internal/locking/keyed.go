// Package locking provides a string-keyed mutual-exclusion scope. The round
// and settlement engines serialize mutating operations per room (or per
// settlement pair) with it so threshold checks always observe a consistent
// snapshot.
package locking

import "sync"

// Keyed hands out one mutex per key, created on demand. Entries are never
// removed; the key space (rooms, settlement pairs) is small and bounded by
// the deployment.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
