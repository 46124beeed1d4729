// Package runstate holds the single process-wide shutdown signal (spec §5
// Design Notes: "a flat atomic boolean, checked at each suspension point,
// rather than a richer cancellation-token hierarchy"). Every long-running
// loop in this module — the scheduler, the status poller, the streaming
// driver, the GPIO start gate's WaitForSignal — takes a *Flag and treats it
// as the one thing that can interrupt a blocking select.
package runstate

import "sync"

// Flag is a one-shot, many-reader shutdown signal. Running reports the
// current state for loops that poll on a ticker; Done returns a channel
// that closes the instant Stop is called, for loops blocked in a select.
// Both views are backed by the same underlying transition, so there is
// only one "shutdown" concept even though it is observed two ways.
type Flag struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New returns a Flag in the running state.
func New() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Stop transitions the flag to stopped. Safe to call more than once or
// concurrently from multiple goroutines; only the first call has effect.
func (f *Flag) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	close(f.done)
}

// Running reports whether Stop has not yet been called.
func (f *Flag) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

// Done returns a channel that closes when Stop is called. Intended for use
// directly in a select alongside a loop's other wake sources.
func (f *Flag) Done() <-chan struct{} {
	return f.done
}
