package multicast

// gate is the backpressure state: whether producers hold items while nobody listens,
// and the single parked waiter. Owned by the actor goroutine.
type gate struct {
	waitForClients bool
	waiter         chan struct{}
}

// park decides whether a producer may proceed. A nil channel means ready.
// Otherwise the caller must wait on the returned channel. If a waiter was already
// parked it is woken first and stale is reported.
//
// force parks even when waiting for clients is disabled; the error terminator uses it
// so it does not spin on an empty registry.
func (g *gate) park(hasSubscribers, force bool) (waiter chan struct{}, stale bool) {
	if hasSubscribers || (!g.waitForClients && !force) {
		return nil, false
	}
	if g.waiter != nil {
		stale = true
		g.wake()
	}
	g.waiter = make(chan struct{})
	return g.waiter, stale
}

// wake releases the parked waiter, if any.
func (g *gate) wake() {
	if g.waiter == nil {
		return
	}
	close(g.waiter)
	g.waiter = nil
}

func (g *gate) setWaiting(enabled bool) {
	if !enabled {
		g.wake()
	}
	g.waitForClients = enabled
}

func (g *gate) parked() bool {
	return g.waiter != nil
}
