package iamkit

import "sync"

type keyedLockEntry struct {
	mutex   sync.Mutex
	holders int
}

// keyedLock serialises work per key and drops idle entries.
type keyedLock struct {
	mutex   sync.Mutex
	entries map[string]*keyedLockEntry
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[string]*keyedLockEntry)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (lock *keyedLock) Lock(key string) func() {
	lock.mutex.Lock()
	entry, ok := lock.entries[key]
	if !ok {
		entry = &keyedLockEntry{}
		lock.entries[key] = entry
	}
	entry.holders++
	lock.mutex.Unlock()

	entry.mutex.Lock()
	return func() {
		entry.mutex.Unlock()
		lock.mutex.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(lock.entries, key)
		}
		lock.mutex.Unlock()
	}
}
