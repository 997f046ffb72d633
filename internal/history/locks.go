package history

import (
	"sort"
	"sync"
)

// pathLocks serializes read-diff-write sequences per document path. Entries
// are dropped once no goroutine holds or waits for them.
type pathLocks struct {
	mutex   sync.Mutex
	entries map[string]*pathLock
}

type pathLock struct {
	mutex sync.Mutex
	refs  int
}

func newPathLocks() *pathLocks {
	return &pathLocks{entries: make(map[string]*pathLock)}
}

// lock acquires every listed path in sorted order and returns the release func.
func (locks *pathLocks) lock(paths ...string) func() {
	unique := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if !seen[path] {
			seen[path] = true
			unique = append(unique, path)
		}
	}
	sort.Strings(unique)

	held := make([]*pathLock, 0, len(unique))
	for _, path := range unique {
		entry := locks.acquire(path)
		entry.mutex.Lock()
		held = append(held, entry)
	}
	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].mutex.Unlock()
			locks.release(unique[index])
		}
	}
}

func (locks *pathLocks) acquire(path string) *pathLock {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry, ok := locks.entries[path]
	if !ok {
		entry = &pathLock{}
		locks.entries[path] = entry
	}
	entry.refs++
	return entry
}

func (locks *pathLocks) release(path string) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry := locks.entries[path]
	entry.refs--
	if entry.refs == 0 {
		delete(locks.entries, path)
	}
}

func (locks *pathLocks) size() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	return len(locks.entries)
}
