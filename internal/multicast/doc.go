// Package multicast fans one upstream Source out to a changing set of subscriber streams.
//
// A Broadcaster owns a single actor goroutine reading a command channel; the subscriber
// registry, the backpressure waiter slot and the active producer generation are only ever
// touched from that goroutine. Producer goroutines drain the current Source and talk to the
// actor through commands, so swapping the source never races with delivery.
package multicast
