package multicast

import (
	"context"
	"io"
	"sync"
)

// Pipe is a push-style Source: writers call Send, the draining producer calls Next.
// CloseWithError ends the sequence; items already buffered are still delivered first.
type Pipe[T any] struct {
	items  chan T
	closed chan struct{}
	once   sync.Once
	err    error
}

// NewPipe creates a pipe holding up to buffer unread items. A zero buffer makes
// Send rendezvous with Next.
func NewPipe[T any](buffer int) *Pipe[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &Pipe[T]{
		items:  make(chan T, buffer),
		closed: make(chan struct{}),
	}
}

// Send blocks until the item is accepted, ctx is cancelled, or the pipe is closed.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	select {
	case <-p.closed:
		return ErrPipeClosed
	default:
	}

	select {
	case p.items <- v:
		return nil
	case <-p.closed:
		return ErrPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the sequence cleanly.
func (p *Pipe[T]) Close() {
	p.CloseWithError(nil)
}

// CloseWithError ends the sequence with err (nil means clean completion).
// Only the first call has an effect.
func (p *Pipe[T]) CloseWithError(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.closed)
	})
}

func (p *Pipe[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-p.items:
		return v, nil
	case <-p.closed:
		// drain what was sent before the close
		select {
		case v := <-p.items:
			return v, nil
		default:
		}
		if p.err != nil {
			return zero, p.err
		}
		return zero, io.EOF
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
