package service

import "sync"

// keyedRWMutex hands out one RW lock per key and forgets keys nobody holds.
type keyedRWMutex struct {
	mu    sync.Mutex
	locks map[string]*refRWMutex
}

type refRWMutex struct {
	sync.RWMutex
	refs int
}

func newKeyedRWMutex() *keyedRWMutex {
	return &keyedRWMutex{locks: make(map[string]*refRWMutex)}
}

func (k *keyedRWMutex) acquire(key string) *refRWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &refRWMutex{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedRWMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// RLock locks key for reading and returns the matching unlock function.
func (k *keyedRWMutex) RLock(key string) func() {
	l := k.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(key)
	}
}

// Lock locks key for writing and returns the matching unlock function.
func (k *keyedRWMutex) Lock(key string) func() {
	l := k.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(key)
	}
}

// size reports the number of keys currently tracked.
func (k *keyedRWMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
