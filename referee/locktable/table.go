package locktable

import (
	"sort"
	"time"

	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
)

const initialCapacityHint = 128

// Table is the sorted sparse array of Locks, keyed by their 64-bit key.
// Lookup is O(log n) via binary search; insertion is O(n) due to the
// shift needed to preserve order (Go's append amortizes the array-doubling
// the original implementation did explicitly with realloc).
//
// A Table is not safe for concurrent use: it is owned exclusively by the
// referee core's single goroutine.
type Table struct {
	locks      []*Lock
	keyCounter uint32
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{locks: make([]*Lock, 0, initialCapacityHint)}
}

// Len reports the number of locks currently tracked (including ones that
// are unused but not yet compacted away).
func (t *Table) Len() int {
	return len(t.locks)
}

// GenerateKey mints a fresh 64-bit lock key: a monotonically increasing
// 32-bit counter concatenated with the low 32 bits of wall, matching the
// distilled spec's collision-avoidance construction. Keys are never reused
// within the lifetime of one Table.
func (t *Table) GenerateKey(wall time.Time) int64 {
	t.keyCounter++
	return int64(t.keyCounter)<<32 | int64(uint32(wall.UnixNano()))
}

func (t *Table) search(key int64) (idx int, found bool) {
	idx = sort.Search(len(t.locks), func(i int) bool {
		return t.locks[i].Key >= key
	})
	found = idx < len(t.locks) && t.locks[idx].Key == key
	return idx, found
}

// Get returns the Lock for key. If absent and create is true, a
// freshly-initialized Lock is inserted at the correct sorted position and
// returned; if absent and create is false, ok is false.
func (t *Table) Get(key int64, create bool) (lock *Lock, ok bool) {
	idx, found := t.search(key)
	if found {
		return t.locks[idx], true
	}
	if !create {
		return nil, false
	}

	lock = newLock(key)
	t.locks = append(t.locks, nil)
	copy(t.locks[idx+1:], t.locks[idx:])
	t.locks[idx] = lock
	return lock, true
}

// Compact drops every Lock that IsUnused, preserving the order of the rest.
func (t *Table) Compact() {
	dst := 0
	for src := 0; src < len(t.locks); src++ {
		if t.locks[src].IsUnused() {
			continue
		}
		t.locks[dst] = t.locks[src]
		dst++
	}
	// release references past dst so the GC can reclaim dropped Locks
	for i := dst; i < len(t.locks); i++ {
		t.locks[i] = nil
	}
	t.locks = t.locks[:dst]
}

// ScanRecovery inspects every Lock's Recovery Job and, for each ready to
// start, invokes startCleanup with the Lock and the waiter it must be
// assigned to. Vacuous jobs are discarded as a side effect of
// Lock.ReadyForCleanup.
func (t *Table) ScanRecovery(startCleanup func(lock *Lock, waiter *waitqueue.Entry)) {
	for _, lock := range t.locks {
		if lock.Job == nil {
			continue
		}
		if waiter, ok := lock.ReadyForCleanup(); ok {
			startCleanup(lock, waiter)
		}
	}
}
