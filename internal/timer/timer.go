// Package timer runs interval callbacks, either forever or as a countdown.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrInvalidInterval = errors.New("timer: interval must be positive")

// Mode selects how long a timer runs.
type Mode interface{ isMode() }

// Infinite ticks until stopped.
type Infinite struct{}

// Countdown ticks From times, counting the remaining value down to zero, then completes.
type Countdown struct {
	From int
}

func (Infinite) isMode()  {}
func (Countdown) isMode() {}

// Tick is passed to the per-tick callback.
type Tick struct {
	// Seq counts delivered ticks, starting at 1. Paused ticks are not counted.
	Seq int
	// Remaining is the countdown value after this tick. Always 0 in Infinite mode.
	Remaining int
	Countdown bool
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Mode         Mode
	OnTick       func(Tick)
	// OnComplete runs once when a countdown reaches zero. It never runs after Stop.
	OnComplete func()
}

// Timer drives one run at a time. Starting again replaces the current run.
type Timer struct {
	id    string
	clock clockwork.Clock

	paused atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(id string, clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	done := make(chan struct{})
	close(done)
	return &Timer{id: id, clock: clock, done: done}
}

// Start begins a new run, stopping the previous one without firing its completion.
func (t *Timer) Start(cfg Config) error {
	if cfg.Interval <= 0 {
		return ErrInvalidInterval
	}
	if cfg.Mode == nil {
		cfg.Mode = Infinite{}
	}
	if c, ok := cfg.Mode.(Countdown); ok && c.From < 0 {
		cfg.Mode = Countdown{From: 0}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.paused.Store(false)
	slog.Debug("Timer started", "timer", t.id, "interval", cfg.Interval, "initial_delay", cfg.InitialDelay)

	go t.run(ctx, cfg, done)
	return nil
}

// Stop cancels the current run. It does not wait and does not fire completion.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Pause suspends tick delivery. Ticks arriving while paused are skipped and do
// not advance the countdown.
func (t *Timer) Pause(paused bool) {
	t.paused.Store(paused)
}

// Done is closed when the current run has ended, by completion or Stop.
func (t *Timer) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Timer) run(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	if cfg.InitialDelay > 0 {
		select {
		case <-t.clock.After(cfg.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := t.clock.NewTicker(cfg.Interval)
	defer ticker.Stop()

	countdown, counting := cfg.Mode.(Countdown)
	remaining := countdown.From
	seq := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if t.paused.Load() {
			continue
		}
		if counting && remaining == 0 {
			break
		}
		if counting {
			remaining--
		}
		seq++
		if cfg.OnTick != nil && ctx.Err() == nil {
			cfg.OnTick(Tick{Seq: seq, Remaining: remaining, Countdown: counting})
		}
	}

	if ctx.Err() != nil {
		return
	}
	slog.Debug("Timer completed", "timer", t.id, "ticks", seq)
	if cfg.OnComplete != nil {
		cfg.OnComplete()
	}
}
