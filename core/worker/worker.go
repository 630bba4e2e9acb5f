// Package worker provides a small cancellation-token embedding used by every
// goroutine-owning type in this repository (connections, listeners, the
// priority queue's single-threaded pump, the rate limiter's janitor).
package worker

import "sync"

// Worker is meant to be embedded in structs that spawn one or more
// goroutines. Callers start goroutines with Go, and shut them down with
// Halt/Wait. Goroutines started with Go should select on HaltCh() at every
// suspension point and return promptly once it is closed.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce()
	return w.haltCh
}

// Go spawns fn in a new goroutine tracked by the Worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.initOnce()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh, signalling every tracked goroutine to exit. Halt is
// idempotent and safe to call more than once.
func (w *Worker) Halt() {
	w.initOnce()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine started with Go has returned.
func (w *Worker) Wait() {
	w.initOnce()
	w.wg.Wait()
}

func (w *Worker) initOnce() {
	if w.haltCh == nil {
		// Best effort lazy init; Worker is always embedded by value in
		// practice and constructed before Go/HaltCh/Halt are reachable
		// concurrently, so a plain nil check is sufficient here.
		w.haltCh = make(chan struct{})
	}
}
