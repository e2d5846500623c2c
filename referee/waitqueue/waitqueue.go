// Package waitqueue implements the per-lock ordered FIFO of suspended
// clients used by referee/locktable.Lock. It is deliberately a thin,
// generic doubly-linked list (container/list, the same collection gaio uses
// for its per-descriptor reader/writer queues) — the pre-charge arithmetic
// described in the distilled spec's §4.3 (the part that actually makes
// wake-before-wait correct) lives on Lock, which owns both this queue and
// the nwaiter/maxWakeupVal counters the arithmetic needs together.
package waitqueue

import "container/list"

// Entry is one suspended waiter. Waiter is opaque to this package — callers
// (referee/locktable) store whatever identifies the client session there.
type Entry struct {
	WakeupVal int64
	Waiter    any

	elem *list.Element
}

// Queue is an ordered FIFO of Entry, insertion at the tail, traversal
// head-to-tail, O(1) removal of a known entry.
type Queue struct {
	l list.List
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int {
	return q.l.Len()
}

// PushBack appends e to the tail of the queue.
func (q *Queue) PushBack(e *Entry) {
	e.elem = q.l.PushBack(e)
}

// Remove detaches e from the queue. It is a no-op if e is not (or no longer)
// queued.
func (q *Queue) Remove(e *Entry) {
	if e.elem == nil {
		return
	}
	q.l.Remove(e.elem)
	e.elem = nil
}

// Front returns the head entry, or nil if the queue is empty.
func (q *Queue) Front() *Entry {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Entry)
}

// Each calls fn for every entry head-to-tail. fn may remove the current
// entry via Queue.Remove (the iterator snapshots the next pointer before
// calling fn, matching the "store next now" caution in the original
// implementation's timeout_list_update). Each stops early if fn returns
// false.
func (q *Queue) Each(fn func(e *Entry) (cont bool)) {
	for elem := q.l.Front(); elem != nil; {
		next := elem.Next()
		if !fn(elem.Value.(*Entry)) {
			return
		}
		elem = next
	}
}

// Queued reports whether e is currently linked into some queue.
func (e *Entry) Queued() bool {
	return e.elem != nil
}
