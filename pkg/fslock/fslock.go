// Package fslock serialises in-process access to individual files and replaces
// their content atomically.
package fslock

import (
	"path/filepath"
	"sync"
)

// Table hands out one mutex per absolute path. The zero value is ready to use
// and a Table must not be copied after first use.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the caller owns path and returns the matching unlock
// function. Entries are dropped once no goroutine holds or waits on them, so
// the table does not grow with every file ever touched.
func (t *Table) Lock(path string) func() {
	key := filepath.Clean(path)

	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*entry)
	}
	e, ok := t.locks[key]
	if !ok {
		e = &entry{}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// Len reports how many paths currently have holders or waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
