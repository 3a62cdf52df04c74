package multicast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/streamcast/internal/platform/correlation"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
	cmdBufferSize  = 256
)

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type addCmd[T any] struct {
	baseBroadcasterCmd
	sink         *Stream[T]
	replyChannel chan struct{}
}

type removeCmd struct {
	baseBroadcasterCmd
	id uuid.UUID
}

type installCmd[T any] struct {
	baseBroadcasterCmd
	src        Source[T]
	err        error
	terminator bool
}

type resetCmd struct {
	baseBroadcasterCmd
}

type setWaitingCmd struct {
	baseBroadcasterCmd
	enabled bool
}

type snapshotCmd struct {
	baseBroadcasterCmd
	replyChannel chan Snapshot
}

type closeCmd struct {
	baseBroadcasterCmd
}

// Commands sent by producer generations.

type awaitReadyCmd struct {
	baseBroadcasterCmd
	gen          string
	force        bool
	replyChannel chan chan struct{}
}

type deliverCmd[T any] struct {
	baseBroadcasterCmd
	gen   string
	value T
}

type closeAllCmd struct {
	baseBroadcasterCmd
	gen             string
	err             error
	upstreamFailure bool
}

type finishedCmd struct {
	baseBroadcasterCmd
	gen string
}

// Snapshot is a point-in-time view of a broadcaster.
type Snapshot struct {
	Identifier        string
	Subscribers       int
	Generation        string
	State             State
	WaitingForClients bool
	ChangingSource    bool
	// Holding is true while a producer is parked waiting for a subscriber.
	Holding bool
}

// Broadcaster multicasts the items of its current Source to every subscriber.
//
// All state is owned by one goroutine; public methods only enqueue commands and
// never return errors. Installing a new source cancels the previous one and waits
// for it to terminate before the new one starts emitting.
type Broadcaster[T any] struct {
	cmdCh chan broadcasterCmd
	done  chan struct{}
	clock clockwork.Clock
	log   *slog.Logger
	opts  options

	// actor-owned
	registry       registry[T]
	gate           gate
	active         *generation
	pending        *installCmd[T]
	changingSource bool

	// written by the actor before done is closed
	producerDone chan struct{}
}

// New creates a broadcaster and starts its actor goroutine.
func New[T any](opts ...Option) *Broadcaster[T] {
	o := options{
		identifier:     "broadcaster",
		waitForClients: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	b := &Broadcaster[T]{
		cmdCh: make(chan broadcasterCmd, cmdBufferSize),
		done:  make(chan struct{}),
		clock: o.clock,
		log:   o.logger.With("stream", o.identifier),
		opts:  o,
		gate:  gate{waitForClients: o.waitForClients},
	}
	go b.run()
	return b
}

// Identifier returns the name the broadcaster was created with.
func (b *Broadcaster[T]) Identifier() string {
	return b.opts.identifier
}

// Subscribe registers a new subscriber and returns its stream. The subscriber sees
// every item delivered after registration. Closing the stream unsubscribes it.
func (b *Broadcaster[T]) Subscribe() *Stream[T] {
	sink := newStream[T](b.opts.bufferSize, b.unsubscribe)

	reply := make(chan struct{}, 1)
	select {
	case b.cmdCh <- addCmd[T]{sink: sink, replyChannel: reply}:
	case <-b.done:
		sink.finish(ErrBroadcasterClosed)
		return sink
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case <-reply:
	case <-b.done:
		sink.finish(ErrBroadcasterClosed)
	case <-timer.Chan():
		b.log.Warn("Subscribe timed out, registration still queued", "timeout", commandTimeout)
	}
	return sink
}

// SetSource replaces the upstream. The previous producer is cancelled and fully
// drained before src is read.
func (b *Broadcaster[T]) SetSource(src Source[T]) {
	b.send(installCmd[T]{src: src})
}

// SetError replaces the upstream with a terminator: every current and future
// subscriber is finished with err, or completes cleanly when err is nil.
func (b *Broadcaster[T]) SetError(err error) {
	b.send(installCmd[T]{err: err, terminator: true})
}

// SetWaitingForClients toggles whether producers hold items while nobody is subscribed.
func (b *Broadcaster[T]) SetWaitingForClients(enabled bool) {
	b.send(setWaitingCmd{enabled: enabled})
}

// Reset cancels the current producer without replacing it. Subscribers stay open.
func (b *Broadcaster[T]) Reset() {
	b.send(resetCmd{})
}

// Snapshot returns the current state. Returns a zero Snapshot if the broadcaster is
// closed or the command times out.
func (b *Broadcaster[T]) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !b.send(snapshotCmd{replyChannel: reply}) {
		return Snapshot{Identifier: b.opts.identifier}
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s := <-reply:
		return s
	case <-b.done:
		return Snapshot{Identifier: b.opts.identifier}
	case <-timer.Chan():
		b.log.Warn("Snapshot timed out", "timeout", commandTimeout)
		return Snapshot{Identifier: b.opts.identifier}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	return b.Snapshot().Subscribers
}

// Generation returns the id of the active producer generation, or "" when idle.
func (b *Broadcaster[T]) Generation() string {
	return b.Snapshot().Generation
}

// Close stops the broadcaster: the producer is cancelled and every subscriber is
// finished with ErrBroadcasterClosed. Blocks until the actor and the last producer
// have exited or the stop timeout is reached.
func (b *Broadcaster[T]) Close() {
	select {
	case b.cmdCh <- closeCmd{}:
	case <-b.done:
		return
	}

	timeout := b.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
	case <-timeout.Chan():
		b.log.Warn("Broadcaster stop timeout exceeded", "timeout", stopTimeout)
		return
	}

	if b.producerDone == nil {
		return
	}
	select {
	case <-b.producerDone:
	case <-timeout.Chan():
		b.log.Warn("Producer did not exit before stop timeout", "timeout", stopTimeout)
	}
}

// Done is closed once the actor goroutine has exited.
func (b *Broadcaster[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Broadcaster[T]) send(cmd broadcasterCmd) bool {
	select {
	case b.cmdCh <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// unsubscribe is the stream termination callback. It may run on the actor
// goroutine itself, so it must never block on the command channel.
func (b *Broadcaster[T]) unsubscribe(id uuid.UUID) {
	select {
	case b.cmdCh <- removeCmd{id: id}:
		return
	case <-b.done:
		return
	default:
	}
	go b.send(removeCmd{id: id})
}

func (b *Broadcaster[T]) run() {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*ConsistencyViolation); ok {
				panic(v)
			}
			b.log.Error("Broadcaster panic recovered", "panic", r)
			b.opts.metrics.Panicked()
			b.shutdown(fmt.Errorf("multicast: broadcaster panic: %v", r))
		}
	}()

	for cmd := range b.cmdCh {
		switch c := cmd.(type) {
		case addCmd[T]:
			b.handleAdd(c)
		case removeCmd:
			b.handleRemove(c)
		case installCmd[T]:
			b.handleInstall(c)
		case resetCmd:
			b.handleReset()
		case setWaitingCmd:
			b.gate.setWaiting(c.enabled)
			b.log.Debug("Waiting for clients changed", "enabled", c.enabled)
		case snapshotCmd:
			c.replyChannel <- b.snapshot()
		case awaitReadyCmd:
			b.handleAwaitReady(c)
		case deliverCmd[T]:
			b.handleDeliver(c)
		case closeAllCmd:
			b.handleCloseAll(c)
		case finishedCmd:
			b.handleFinished(c)
		case closeCmd:
			b.shutdown(ErrBroadcasterClosed)
			return
		default:
			b.log.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (b *Broadcaster[T]) handleAdd(c addCmd[T]) {
	b.registry.add(c.sink)
	b.gate.wake()
	b.opts.metrics.SetSubscribers(b.registry.len())
	b.log.Debug("Subscriber added", "subscriber", c.sink.ID().String(), "subscribers", b.registry.len())
	c.replyChannel <- struct{}{}
}

func (b *Broadcaster[T]) handleRemove(c removeCmd) {
	if b.registry.remove(c.id) == 0 {
		return
	}
	b.opts.metrics.SetSubscribers(b.registry.len())
	b.log.Debug("Subscriber removed", "subscriber", c.id.String(), "subscribers", b.registry.len())
}

func (b *Broadcaster[T]) handleInstall(c installCmd[T]) {
	b.gate.wake()

	if b.active == nil {
		b.start(c)
		return
	}

	// The new source waits for the current generation to report finished.
	// Only the latest request survives.
	if b.pending != nil {
		b.log.Debug("Replacing queued source before it started")
	}
	b.pending = &c
	if !b.changingSource {
		b.log.Info("Waiting for previous producer to terminate", "generation", b.active.id)
	}
	b.changingSource = true
	b.active.drain()
}

func (b *Broadcaster[T]) handleReset() {
	b.pending = nil
	if b.active == nil {
		return
	}
	b.log.Info("Resetting producer", "generation", b.active.id)
	b.active.drain()
}

func (b *Broadcaster[T]) start(c installCmd[T]) {
	if b.active != nil {
		panic(violation(b.opts.identifier, "generation started while %s is %s", b.active.id, b.active.state))
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{
		id:     correlation.NewID(),
		kind:   kindSource,
		state:  StateStarting,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if c.terminator {
		gen.kind = kindTerminator
	}
	ctx = correlation.WithStream(correlation.WithID(ctx, gen.id), b.opts.identifier)
	link := producerLink[T]{b: b, gen: gen.id}

	b.active = gen
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error("Source panic recovered", "generation", gen.id, "panic", r)
				b.opts.metrics.Panicked()
				if ctx.Err() == nil {
					link.send(closeAllCmd{gen: gen.id, err: fmt.Errorf("multicast: source panicked: %v", r), upstreamFailure: true})
				}
			}
			close(gen.done)
			link.send(finishedCmd{gen: gen.id})
		}()
		if c.terminator {
			terminate(ctx, link, c.err)
			return
		}
		drainSource(ctx, link, c.src)
	}()
	gen.state = StateActive

	b.opts.metrics.GenerationStarted(gen.kind)
	if c.terminator {
		b.log.Info("Starting error terminator", "generation", gen.id, "error", c.err)
	} else {
		b.log.Info("Starting producer", "generation", gen.id)
	}
}

// accepts reports whether commands from gen should take effect.
func (b *Broadcaster[T]) accepts(gen string) bool {
	return b.active != nil && b.active.id == gen && b.active.state == StateActive
}

func (b *Broadcaster[T]) handleAwaitReady(c awaitReadyCmd) {
	if !b.accepts(c.gen) {
		c.replyChannel <- nil
		return
	}

	waiter, stale := b.gate.park(b.registry.len() > 0, c.force)
	if stale {
		b.log.Warn("Previous waiter was not resumed, possible data loss", "generation", c.gen)
		b.opts.metrics.StaleWaiter()
	}
	if waiter != nil {
		b.log.Debug("No subscribers, holding producer", "generation", c.gen)
	}
	c.replyChannel <- waiter
}

func (b *Broadcaster[T]) handleDeliver(c deliverCmd[T]) {
	if !b.accepts(c.gen) {
		return
	}
	delivered, dropped := b.registry.broadcast(c.value)
	b.opts.metrics.Delivered(delivered)
	if dropped > 0 {
		b.opts.metrics.Dropped(dropped)
		b.log.Warn("Subscriber buffer full, item dropped", "generation", c.gen, "dropped", dropped)
	}
}

// handleCloseAll finishes every subscriber. A generation being replaced is
// already draining and rejected by accepts, so a source change never closes
// subscribers.
func (b *Broadcaster[T]) handleCloseAll(c closeAllCmd) {
	if !b.accepts(c.gen) {
		return
	}

	if c.upstreamFailure {
		b.opts.metrics.UpstreamFailed()
		b.log.Warn("Upstream failed", "generation", c.gen, "error", c.err)
	}
	n := b.registry.closeAll(c.err)
	b.opts.metrics.SetSubscribers(0)
	if n > 0 {
		b.log.Debug("Subscribers closed", "generation", c.gen, "count", n, "error", c.err)
	}
}

func (b *Broadcaster[T]) handleFinished(c finishedCmd) {
	if b.active == nil || b.active.id != c.gen {
		panic(violation(b.opts.identifier, "generation %s finished but is not the active one", c.gen))
	}

	b.active.state = StateTerminated
	b.log.Info("Producer terminated", "generation", c.gen)
	b.active = nil
	b.gate.wake()
	b.changingSource = false

	if p := b.pending; p != nil {
		b.pending = nil
		b.start(*p)
	}
}

func (b *Broadcaster[T]) snapshot() Snapshot {
	s := Snapshot{
		Identifier:        b.opts.identifier,
		Subscribers:       b.registry.len(),
		State:             StateIdle,
		WaitingForClients: b.gate.waitForClients,
		ChangingSource:    b.changingSource,
		Holding:           b.gate.parked(),
	}
	if b.active != nil {
		s.Generation = b.active.id
		s.State = b.active.state
	}
	return s
}

// shutdown cancels the producer and finishes every subscriber with err.
func (b *Broadcaster[T]) shutdown(err error) {
	b.pending = nil
	if b.active != nil {
		b.producerDone = b.active.done
		b.active.drain()
	}
	b.gate.wake()

	n := b.registry.closeAll(err)
	b.opts.metrics.SetSubscribers(0)
	b.log.Info("Broadcaster shut down", "disconnected_subscribers", n)
}
