package multicast

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Stream is the consumer-facing handle of one subscriber.
//
// Items arrive on C in the order they were produced. When the stream finishes,
// C is closed after every queued item and Err reports why: nil for clean
// completion, the upstream error, ErrCancelled after Close, or
// ErrBroadcasterClosed. A consumer that stops reading before C is closed must
// call Close.
type Stream[T any] struct {
	id uuid.UUID
	ch chan T
	// limit caps queued items, zero means unbounded
	limit int

	mu       sync.Mutex
	queue    []T
	inFlight bool
	finished bool
	err      error
	done     chan struct{}

	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	terminateOnce sync.Once
	onTerminate   func(uuid.UUID)
}

func newStream[T any](limit int, onTerminate func(uuid.UUID)) *Stream[T] {
	s := &Stream[T]{
		id:          uuid.New(),
		ch:          make(chan T),
		limit:       limit,
		done:        make(chan struct{}),
		ready:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		onTerminate: onTerminate,
	}
	go s.pump()
	return s
}

// ID returns the subscriber identity. It is never reused.
func (s *Stream[T]) ID() uuid.UUID {
	return s.id
}

// C returns the item channel.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Done is closed once the stream has finished. Queued items may still be
// pending on C.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once Done is closed.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Recv returns the next item. Clean completion is reported as io.EOF.
func (s *Stream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return zero, err
			}
			return zero, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close cancels the subscription from the consumer side and discards queued
// items. The broadcaster removes the subscriber asynchronously.
func (s *Stream[T]) Close() {
	s.finish(ErrCancelled)

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
}

// yield queues v without blocking. It reports delivered=false when the sink is
// finished, and dropped=true when a bounded queue is full.
func (s *Stream[T]) yield(v T) (delivered bool, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false, false
	}
	if s.limit > 0 && s.pendingLocked() >= s.limit {
		return false, true
	}
	s.queue = append(s.queue, v)
	s.signal()
	return true, false
}

// pendingLocked counts items not yet received, including the one the pump holds.
func (s *Stream[T]) pendingLocked() int {
	n := len(s.queue)
	if s.inFlight {
		n++
	}
	return n
}

func (s *Stream[T]) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// pump hands queued items to C one at a time. It closes C once the stream has
// finished and the queue is empty, or right away after Close.
func (s *Stream[T]) pump() {
	defer close(s.ch)

	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.ready:
			case <-s.stop:
				return
			}
			continue
		}

		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		if len(s.queue) == 0 {
			s.queue = nil
		}
		s.inFlight = true
		s.mu.Unlock()

		select {
		case s.ch <- v:
		case <-s.stop:
			return
		}

		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}
}

// finish terminates the sink with err; later calls are ignored. Items already
// queued are still handed out.
func (s *Stream[T]) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
	s.signal()
	s.mu.Unlock()

	s.terminateOnce.Do(func() {
		if s.onTerminate != nil {
			s.onTerminate(s.id)
		}
	})
}
