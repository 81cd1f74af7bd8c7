package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-stride/internal/status"
)

type task struct {
	name string
	fn   func() error
}

// Stream is an ordered, asynchronous execution queue. Launch returns as soon
// as the work is queued; work runs on the stream's goroutine in submission
// order; Synchronize blocks until everything launched before it has run.
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	pending int
	err     error
	closed  bool
	done    chan struct{}
}

// NewStream starts a stream worker.
func NewStream() *Stream {
	s := &Stream{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Launch queues fn. The first error returned by a task is reported by the
// next Synchronize.
func (s *Stream) Launch(name string, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("launch %s on closed stream: %w", name, status.ErrInvalidState)
	}
	s.queue = append(s.queue, task{name: name, fn: fn})
	s.pending++
	s.cond.Broadcast()
	return nil
}

// Synchronize waits for all launched work and returns the first task error
// recorded since the previous Synchronize.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending > 0 {
		s.cond.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// Close drains the queue and stops the worker.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done
	return s.Synchronize()
}

func (s *Stream) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue[0] = task{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		start := time.Now()
		err := execute(t)
		kernelDuration.WithLabelValues(t.name).Observe(time.Since(start).Seconds())

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

func execute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", t.name, r)
		}
	}()
	if err := t.fn(); err != nil {
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}
