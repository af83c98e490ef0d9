package proxy

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned when the admission queue cannot take more waiters
// at the request's priority level, or the request waited too long.
var ErrQueueFull = errors.New("proxy: admission queue full")

// Priority levels for queue admission. Interactive traffic queues ahead of
// batch; health probes go first.
const (
	PriorityProbe       = 0
	PriorityInteractive = 1
	PriorityBatch       = 2
)

var priorityLabels = [...]string{"probe", "interactive", "batch"}

// PriorityLabel returns the metrics label for a priority level.
func PriorityLabel(p int) string {
	if p < 0 || p >= len(priorityLabels) {
		return "unknown"
	}
	return priorityLabels[p]
}

// QueueConfig sizes the admission queue.
type QueueConfig struct {
	// Concurrency is the number of requests dispatched at once. Default 64.
	Concurrency int
	// MaxWaiting caps queued requests per priority level. Default 256.
	MaxWaiting int
	// MaxWait bounds the time a request may sit in the queue. Default 10s.
	MaxWait time.Duration
}

func (c QueueConfig) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 64
}

func (c QueueConfig) maxWaiting() int {
	if c.MaxWaiting > 0 {
		return c.MaxWaiting
	}
	return 256
}

func (c QueueConfig) maxWait() time.Duration {
	if c.MaxWait > 0 {
		return c.MaxWait
	}
	return 10 * time.Second
}

type waiter struct {
	grant   chan struct{}
	granted bool
}

// Queue is a three-level priority admission gate. A freed slot is handed to
// the longest-waiting request at the highest non-empty priority level; grant
// and abandonment are serialized under one lock so a slot is never lost to a
// waiter that timed out.
type Queue struct {
	cfg QueueConfig

	mu      sync.Mutex
	used    int
	waiting [len(priorityLabels)]*list.List
}

func NewQueue(cfg QueueConfig) *Queue {
	q := &Queue{cfg: cfg}
	for i := range q.waiting {
		q.waiting[i] = list.New()
	}
	return q
}

// Acquire blocks until a dispatch slot is free, the queue rejects the
// request, or ctx is cancelled. On success the returned release func must be
// called exactly once.
func (q *Queue) Acquire(ctx context.Context, priority int) (func(), error) {
	if priority < 0 || priority >= len(priorityLabels) {
		priority = PriorityBatch
	}

	q.mu.Lock()
	if q.used < q.cfg.concurrency() {
		q.used++
		q.mu.Unlock()
		return q.release, nil
	}
	if q.waiting[priority].Len() >= q.cfg.maxWaiting() {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	w := &waiter{grant: make(chan struct{})}
	elem := q.waiting[priority].PushBack(w)
	q.mu.Unlock()

	timer := time.NewTimer(q.cfg.maxWait())
	defer timer.Stop()

	select {
	case <-w.grant:
		return q.release, nil
	case <-timer.C:
		if q.abandon(priority, elem, w) {
			return nil, ErrQueueFull
		}
		// Granted while timing out: the slot is ours after all.
		<-w.grant
		return q.release, nil
	case <-ctx.Done():
		if q.abandon(priority, elem, w) {
			return nil, ctx.Err()
		}
		<-w.grant
		q.release()
		return nil, ctx.Err()
	}
}

// Depth returns the number of requests waiting at a priority level.
func (q *Queue) Depth(priority int) int {
	if priority < 0 || priority >= len(priorityLabels) {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting[priority].Len()
}

// release frees the caller's slot, handing it to the next waiter if any.
func (q *Queue) release() {
	q.mu.Lock()
	for _, l := range q.waiting {
		if elem := l.Front(); elem != nil {
			w := l.Remove(elem).(*waiter)
			w.granted = true
			q.mu.Unlock()
			close(w.grant) // slot stays occupied, ownership transfers
			return
		}
	}
	q.used--
	q.mu.Unlock()
}

// abandon removes the waiter from its queue. Returns false when the waiter
// was already granted, in which case the caller owns a slot it must handle.
func (q *Queue) abandon(priority int, elem *list.Element, w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.granted {
		return false
	}
	q.waiting[priority].Remove(elem)
	return true
}
