// Package perkey serializes work per key while work for different keys runs
// concurrently.
//
// Typical use-case: durable-object transactions, where the bodies touching one
// entity must execute one at a time and in submission order, but different
// entities may proceed in parallel.
package perkey

import (
	"context"
	"sync"
)

// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
var ErrSchedulerClosed = &SchedulerError{"scheduler is closed"}

// SchedulerError is a simple error implementation.
type SchedulerError struct {
	msg string
}

func (e *SchedulerError) Error() string { return e.msg }

type task struct {
	fn   func() error
	done chan error
}

type lane struct {
	tasks chan *task
}

// Scheduler executes submitted functions such that, for any key K, functions
// run sequentially in submission order. Functions for different keys can
// proceed in parallel.
type Scheduler[K comparable] struct {
	mu       sync.Mutex
	lanes    map[K]*lane
	closed   bool
	inflight sync.WaitGroup
	buffer   int
}

// New creates a Scheduler. bufferSize bounds the queued tasks per key lane;
// values below 1 fall back to 64.
func New[K comparable](bufferSize int) *Scheduler[K] {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Scheduler[K]{
		lanes:  make(map[K]*lane),
		buffer: bufferSize,
	}
}

// Do schedules fn for key and blocks until fn finishes, returning its error.
func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext is like Do but respects context cancellation while waiting to
// enqueue or waiting for completion. A task that has already been enqueued
// still executes even if the submitter stops waiting for it.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.inflight.Add(1)
	l := s.laneLocked(key)
	s.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case l.tasks <- t:
	case <-ctx.Done():
		s.inflight.Done()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		s.inflight.Done()
		return err
	case <-ctx.Done():
		// Task runs to completion regardless; the submitter just stops waiting.
		s.inflight.Done()
		return ctx.Err()
	}
}

// Close stops accepting new work and shuts the lanes down. Tasks already
// queued still run.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// No sends to closed channels: wait for in-flight submissions first.
	s.inflight.Wait()

	s.mu.Lock()
	for _, l := range s.lanes {
		close(l.tasks)
	}
	s.lanes = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) laneLocked(key K) *lane {
	l, ok := s.lanes[key]
	if ok {
		return l
	}
	l = &lane{tasks: make(chan *task, s.buffer)}
	s.lanes[key] = l
	go func() {
		for t := range l.tasks {
			t.done <- t.fn()
		}
	}()
	return l
}
