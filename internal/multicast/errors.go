package multicast

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled finishes a subscriber stream whose consumer stopped reading.
	ErrCancelled = errors.New("multicast: subscriber cancelled")

	// ErrBroadcasterClosed finishes every stream when the broadcaster shuts down,
	// and any stream requested afterwards.
	ErrBroadcasterClosed = errors.New("multicast: broadcaster closed")

	// ErrPipeClosed is returned by Pipe.Send after the pipe has been closed.
	ErrPipeClosed = errors.New("multicast: pipe closed")
)

// ConsistencyViolation is raised (via panic) when an invariant that the actor
// guarantees structurally is observed broken, e.g. two active producer generations.
type ConsistencyViolation struct {
	Broadcaster string
	Detail      string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("multicast: consistency violation in %q: %s", e.Broadcaster, e.Detail)
}

func violation(broadcaster, format string, args ...any) *ConsistencyViolation {
	return &ConsistencyViolation{Broadcaster: broadcaster, Detail: fmt.Sprintf(format, args...)}
}
