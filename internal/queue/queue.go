// Package queue implements the priority-ordered send queue described in
// spec.md §4.3: unbounded, concurrent, FIFO within a priority tier, with a
// blocking Take and a non-blocking Put. No third-party priority-queue
// library is used — see DESIGN.md for why container/heap is the idiomatic
// choice here.
package queue

import (
	"container/heap"
	"sync"

	"github.com/gozwave/zwaved/internal/message"
)

// item satisfies heap.Interface's element requirements via the ordering
// already defined on *message.Message.
type items []*message.Message

func (it items) Len() int            { return len(it) }
func (it items) Less(i, j int) bool  { return it[i].Less(it[j]) }
func (it items) Swap(i, j int)       { it[i], it[j] = it[j], it[i] }
func (it *items) Push(x interface{}) { *it = append(*it, x.(*message.Message)) }
func (it *items) Pop() interface{} {
	old := *it
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*it = old[:n-1]
	return m
}

// Queue is a priority-ordered, unbounded blocking queue of *message.Message.
// No message is ever dropped by the queue itself (spec.md §4.3).
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   items
	seq    uint64
	closed bool
}

// New constructs an empty Queue with the given initial capacity hint
// (spec.md §6 default 128).
func New(capacityHint int) *Queue {
	q := &Queue{heap: make(items, 0, capacityHint)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues m. Non-blocking; always succeeds.
func (q *Queue) Put(m *message.Message) {
	q.mu.Lock()
	q.seq++
	m.SetSeq(q.seq)
	heap.Push(&q.heap, m)
	q.mu.Unlock()
	q.cond.Signal()
}

// PutFront re-enqueues m ahead of every message of the same or lower
// priority that was already waiting, by assigning it a sequence number
// older than anything currently queued. Used by the engine for re-sends
// after a CAN; timeout and NAK retries go through Put.
func (q *Queue) PutFront(m *message.Message) {
	q.mu.Lock()
	// A sequence of 0 sorts before every message ever assigned a seq by
	// Put (seq starts at 1), so this message wins every tie at its
	// priority level without disturbing the monotonic counter.
	m.SetSeq(0)
	heap.Push(&q.heap, m)
	q.mu.Unlock()
	q.cond.Signal()
}

// Take blocks until a message is available, then returns the
// highest-priority, earliest one. It returns ok=false once the queue has
// been Closed and drained, so the engine worker can exit its run loop
// cleanly on controller Close (spec.md §5 "cancellation").
func (q *Queue) Take() (m *message.Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	return heap.Pop(&q.heap).(*message.Message), true
}

// Close marks the queue closed and wakes any blocked Take. Safe to call
// more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Clear discards every pending message (spec.md §5 "clears the queue" on
// close) without closing the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.heap = q.heap[:0]
	q.mu.Unlock()
}

// Reopen clears the closed flag, allowing a Queue to be reused after Close.
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Len returns the current number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// HasPriority reports whether any queued message carries exactly the given
// priority. Used by the watchdog (spec.md §4.7) to detect a pending
// sleeping-node ping before concluding dead-node status.
func (q *Queue) HasPriority(p message.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.heap {
		if m.Priority == p {
			return true
		}
	}
	return false
}
