package internal

import "sync"

// ReportListener receives a snapshot of the validation report each time
// a field changes.
type ReportListener func(ValidationReport)

// ValidationEmitter fans a validation report out to any number of
// listeners. Emission is synchronous and strictly ordered: no two
// publishes run concurrently, so a listener that records the last
// report it saw after InProgress turns false holds every terminal
// field value.
//
// Multiple collaborators (the GUI forwarder and the troubleshooting
// flow) subscribe independently; registering never displaces an
// earlier listener.
type ValidationEmitter struct {
	mu     sync.Mutex
	nextID int
	subs   []emitterSub
}

type emitterSub struct {
	id int
	fn ReportListener
}

// Subscribe registers fn and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (e *ValidationEmitter) Subscribe(fn ReportListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, emitterSub{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers report to every listener in subscription order.
func (e *ValidationEmitter) Emit(report ValidationReport) {
	e.mu.Lock()
	subs := make([]emitterSub, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(report)
	}
}
