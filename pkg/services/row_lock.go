package services

import "sync"

// rowLocks serializes edits per (table, row_pk) within the process.
// Entries are reference counted and removed when the last holder releases.
type rowLocks struct {
	mu    sync.Mutex
	locks map[rowKey]*rowLock
}

type rowKey struct {
	table string
	pk    string
}

type rowLock struct {
	mu   sync.Mutex
	refs int
}

func newRowLocks() *rowLocks {
	return &rowLocks{locks: make(map[rowKey]*rowLock)}
}

// Acquire blocks until the row is free and returns its release func.
func (l *rowLocks) Acquire(table, pk string) func() {
	key := rowKey{table: table, pk: pk}

	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &rowLock{}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.mu.Unlock()

			l.mu.Lock()
			lk.refs--
			if lk.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// size returns the number of rows currently held or awaited.
func (l *rowLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
