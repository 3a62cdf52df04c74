package multicast

import (
	"context"
	"io"
)

// Source is an upstream sequence drained by one producer generation.
//
// Next blocks until the next element is available. It returns io.EOF on clean
// exhaustion and any other error on upstream failure. Implementations must
// return promptly once ctx is cancelled; a source that ignores cancellation
// stalls every later SetSource on the same broadcaster.
//
// A source that also implements io.Closer is closed exactly once, when the
// generation reading it terminates for whatever reason.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// Release closes src if it implements io.Closer.
func Release[T any](src Source[T]) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, error) {
	return f(ctx)
}

// FromSlice returns a pull-based source yielding items in order, then io.EOF.
func FromSlice[T any](items ...T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i >= len(items) {
			return zero, io.EOF
		}
		v := items[i]
		i++
		return v, nil
	})
}

// FromChannel returns a push-based source reading ch until it is closed.
func FromChannel[T any](ch <-chan T) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		select {
		case v, ok := <-ch:
			if !ok {
				return zero, io.EOF
			}
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	})
}

// FromErrChannel reads items from ch until it is closed, then ends with the first
// value received from errc. A nil error or a closed errc means clean completion.
func FromErrChannel[T any](ch <-chan T, errc <-chan error) Source[T] {
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		select {
		case v, ok := <-ch:
			if ok {
				return v, nil
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		select {
		case err, ok := <-errc:
			if ok && err != nil {
				return zero, err
			}
			return zero, io.EOF
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	})
}
