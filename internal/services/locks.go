package services

import "sync"

type keyedLock struct {
	mu   sync.Mutex
	keys map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{keys: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release func. Entries are
// dropped once nobody holds or waits on them.
func (l *keyedLock) Lock(key string) func() {
	l.mu.Lock()
	e := l.keys[key]
	if e == nil {
		e = &keyedEntry{}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.keys, key)
		}
		l.mu.Unlock()
	}
}
