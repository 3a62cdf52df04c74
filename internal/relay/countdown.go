package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/streamcast/internal/multicast"
	"github.com/pscheid92/streamcast/internal/timer"
)

// CountdownEvent is the payload emitted for every countdown tick.
type CountdownEvent struct {
	Type      string `json:"type"`
	Seq       int    `json:"seq"`
	Remaining int    `json:"remaining"`
}

// countdownSource emits one CountdownEvent per tick and ends cleanly when the
// countdown completes. The timer starts on the first pull and stops on Close.
type countdownSource struct {
	timer    *timer.Timer
	pipe     *multicast.Pipe[[]byte]
	from     int
	interval time.Duration
	started  bool
}

func newCountdownSource(name string, clock clockwork.Clock, from int, interval time.Duration) *countdownSource {
	return &countdownSource{
		timer:    timer.New(name, clock),
		pipe:     multicast.NewPipe[[]byte](1),
		from:     from,
		interval: interval,
	}
}

func (s *countdownSource) Next(ctx context.Context) ([]byte, error) {
	if !s.started {
		s.started = true
		err := s.timer.Start(timer.Config{
			Interval:   s.interval,
			Mode:       timer.Countdown{From: s.from},
			OnTick:     s.emit,
			OnComplete: s.pipe.Close,
		})
		if err != nil {
			return nil, err
		}
	}

	return s.pipe.Next(ctx)
}

func (s *countdownSource) emit(tk timer.Tick) {
	data, err := json.Marshal(CountdownEvent{Type: "countdown", Seq: tk.Seq, Remaining: tk.Remaining})
	if err != nil {
		return
	}
	// blocks while the broadcaster holds items for subscribers; Close releases it
	_ = s.pipe.Send(context.Background(), data)
}

// Close stops the timer and unblocks a tick waiting to be emitted.
func (s *countdownSource) Close() error {
	s.timer.Stop()
	s.pipe.CloseWithError(context.Canceled)
	return nil
}
