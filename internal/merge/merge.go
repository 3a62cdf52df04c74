// Package merge combines a changing set of named sources into one.
package merge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/pscheid92/streamcast/internal/multicast"
)

type result[T any] struct {
	value T
	err   error
}

type member[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	src     multicast.Source[T]
	running bool
}

// stop cancels a running member; its reader releases the source. A member that
// never ran is released here. Callers hold the merger's mu.
func (mb *member[T]) stop() {
	mb.cancel()
	if !mb.running {
		multicast.Release(mb.src)
	}
}

// Merger interleaves the items of its members. It is itself a multicast.Source:
// it ends with the first member error, or with io.EOF once closed. A member that
// ends cleanly just leaves the set.
//
// Members are not read until the merged source is first pulled, so a merger that
// is never installed holds no upstream resources. A member source implementing
// io.Closer is closed once its reader stops.
type Merger[T any] struct {
	out    chan result[T]
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	members map[string]*member[T]
	started bool
	err     error
}

var _ multicast.Source[int] = (*Merger[int])(nil)

func New[T any]() *Merger[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Merger[T]{
		out:     make(chan result[T]),
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[string]*member[T]),
	}
}

// Add registers src under name, replacing any member with the same name.
// Adding to a closed merger is a no-op.
func (m *Merger[T]) Add(name string, src multicast.Source[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	if old, ok := m.members[name]; ok {
		old.stop()
	}

	ctx, cancel := context.WithCancel(m.ctx)
	mb := &member[T]{ctx: ctx, cancel: cancel, src: src}
	m.members[name] = mb
	if m.started {
		m.spawn(name, mb)
	}
}

// Remove stops the named member. It reports whether the member existed.
func (m *Merger[T]) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	mb, ok := m.members[name]
	if !ok {
		return false
	}
	mb.stop()
	delete(m.members, name)
	return true
}

func (m *Merger[T]) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, mb := range m.members {
		mb.stop()
		delete(m.members, name)
	}
}

// Names lists the current members in sorted order.
func (m *Merger[T]) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.members))
	for name := range m.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every member. Next reports io.EOF afterwards.
func (m *Merger[T]) Close() error {
	m.RemoveAll()
	m.cancel()
	return nil
}

func (m *Merger[T]) Next(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	if !m.started {
		m.started = true
		for name, mb := range m.members {
			m.spawn(name, mb)
		}
	}
	err := m.err
	m.mu.Unlock()
	if err != nil {
		return zero, err
	}

	select {
	case r := <-m.out:
		if r.err != nil {
			m.fail(r.err)
			return zero, r.err
		}
		return r.value, nil
	case <-m.ctx.Done():
		return zero, m.terminalErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// spawn must be called with mu held.
func (m *Merger[T]) spawn(name string, mb *member[T]) {
	if mb.running {
		return
	}
	mb.running = true
	go m.read(name, mb)
}

func (m *Merger[T]) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	_ = m.Close()
}

func (m *Merger[T]) terminalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	return io.EOF
}

// read pulls one member until it ends or is stopped, then releases its source.
func (m *Merger[T]) read(name string, mb *member[T]) {
	defer multicast.Release(mb.src)

	for {
		v, err := mb.src.Next(mb.ctx)
		if err != nil {
			if mb.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				m.leave(name, mb)
				slog.Debug("Merge member finished", "member", name)
				return
			}
		}

		select {
		case m.out <- result[T]{value: v, err: err}:
		case <-mb.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// leave drops mb if it is still the member registered under name.
func (m *Merger[T]) leave(name string, mb *member[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[name] == mb {
		mb.cancel()
		delete(m.members, name)
	}
}
