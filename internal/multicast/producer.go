package multicast

import (
	"context"
	"errors"
	"io"
)

// State is the lifecycle state of the producer slot.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	kindSource     = "source"
	kindTerminator = "terminator"
)

// generation is one producer goroutine and the handle the actor keeps for it.
type generation struct {
	id     string
	kind   string
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// drain cancels the generation. Its goroutine reports back with a finished command.
func (g *generation) drain() {
	if g.state == StateDraining {
		return
	}
	g.state = StateDraining
	g.cancel()
}

// producerLink is what a producer goroutine uses to reach the actor.
// Every send gives up once the broadcaster is closed.
type producerLink[T any] struct {
	b   *Broadcaster[T]
	gen string
}

func (l producerLink[T]) send(cmd broadcasterCmd) bool {
	select {
	case l.b.cmdCh <- cmd:
		return true
	case <-l.b.done:
		return false
	}
}

// awaitReady blocks until the actor lets the generation emit.
func (l producerLink[T]) awaitReady(ctx context.Context, force bool) error {
	reply := make(chan chan struct{}, 1)
	if !l.send(awaitReadyCmd{gen: l.gen, force: force, replyChannel: reply}) {
		return ErrBroadcasterClosed
	}

	var waiter chan struct{}
	select {
	case waiter = <-reply:
	case <-l.b.done:
		return ErrBroadcasterClosed
	}
	if waiter == nil {
		return ctx.Err()
	}

	select {
	case <-waiter:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-l.b.done:
		return ErrBroadcasterClosed
	}
}

// drainSource is the body of a source generation.
func drainSource[T any](ctx context.Context, l producerLink[T], src Source[T]) {
	defer Release(src)

	for {
		v, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				l.send(closeAllCmd{gen: l.gen})
			} else {
				l.send(closeAllCmd{gen: l.gen, err: err, upstreamFailure: true})
			}
			return
		}

		if err := l.awaitReady(ctx, false); err != nil {
			return
		}
		if !l.send(deliverCmd[T]{gen: l.gen, value: v}) {
			return
		}
	}
}

// terminate is the body of an error terminator generation: every subscriber that
// shows up is finished with err until the generation is cancelled.
func terminate[T any](ctx context.Context, l producerLink[T], err error) {
	for {
		if waitErr := l.awaitReady(ctx, true); waitErr != nil {
			return
		}
		if !l.send(closeAllCmd{gen: l.gen, err: err}) {
			return
		}
	}
}
