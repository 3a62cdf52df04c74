package multicast

import "github.com/google/uuid"

type subscriber[T any] struct {
	id   uuid.UUID
	sink *Stream[T]
}

// registry is the ordered list of live subscribers. Owned by the actor goroutine.
type registry[T any] struct {
	subs []subscriber[T]
}

func (r *registry[T]) add(sink *Stream[T]) {
	r.subs = append(r.subs, subscriber[T]{id: sink.ID(), sink: sink})
}

// remove drops every entry with id and finishes its sink with ErrCancelled.
// It returns the number of entries removed.
func (r *registry[T]) remove(id uuid.UUID) int {
	removed := 0
	for i := len(r.subs) - 1; i >= 0; i-- {
		if r.subs[i].id != id {
			continue
		}
		r.subs[i].sink.finish(ErrCancelled)
		r.subs = append(r.subs[:i], r.subs[i+1:]...)
		removed++
	}
	return removed
}

// broadcast yields v to every sink in registration order without blocking.
func (r *registry[T]) broadcast(v T) (delivered, dropped int) {
	for _, s := range r.subs {
		ok, full := s.sink.yield(v)
		if ok {
			delivered++
		}
		if full {
			dropped++
		}
	}
	return delivered, dropped
}

// closeAll finishes every sink with err (nil is clean completion) and empties the registry.
func (r *registry[T]) closeAll(err error) int {
	n := len(r.subs)
	subs := r.subs
	r.subs = nil
	for _, s := range subs {
		s.sink.finish(err)
	}
	return n
}

func (r *registry[T]) len() int {
	return len(r.subs)
}
