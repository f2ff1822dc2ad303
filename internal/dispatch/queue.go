// Package dispatch schedules alert delivery under global rate and concurrency caps.
package dispatch

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the number of pending jobs.
const DefaultCapacity = 5000

// Job is one pending delivery for a group. It must not be mutated after Push.
type Job struct {
	GroupID string
	Run     func(ctx context.Context) error
}

// Queue is a bounded FIFO that drops the oldest job on overflow.
type Queue struct {
	mu      sync.Mutex
	buf     []Job
	head    int
	size    int
	dropped uint64
}

// NewQueue returns an empty queue holding at most capacity jobs.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{buf: make([]Job, capacity)}
}

// Push appends job and reports whether the oldest pending job was evicted to make room.
func (q *Queue) Push(job Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = Job{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = job
	q.size++
	return evicted
}

// Pop removes the oldest job.
func (q *Queue) Pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Job{}, false
	}
	job := q.buf[q.head]
	q.buf[q.head] = Job{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return job, true
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many jobs were evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pending returns the queued jobs oldest first.
func (q *Queue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	return out
}

// Clear discards every pending job. The dropped counter is kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.buf {
		q.buf[i] = Job{}
	}
	q.head = 0
	q.size = 0
}
