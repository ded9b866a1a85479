// Package keymutex provides per-key exclusive sections. The queue drain
// and the conflict resolver both lock the instance name they are about to
// mutate, so the two never touch the same resource concurrently.
package keymutex

import (
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *KeyMutex {
	return &KeyMutex{
		locks: make(map[string]*entry),
	}
}

// Lock acquires the mutex for key and returns its unlock func. Entries
// are reference-counted and dropped once the last holder unlocks, so the
// map does not grow with every instance name ever touched.
func (k *KeyMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
