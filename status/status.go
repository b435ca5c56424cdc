// Package status holds the small piece of shared state that bridges the
// queued server and the ping-pong player (which mutate list state) to the
// status notifier (which pushes it out). It exists so the two locks in
// play, the list-state lock and the notifier's own subscriber lock, are
// never held nested in the wrong order: a Publisher releases its own lock
// before calling into a Sink.
package status

import (
	"sync"

	"github.com/jbrzusto/awgsrv/frame"
)

// Sink receives a list's new state after Publisher has already recorded
// it. Publisher has released its own lock by then, so an implementation
// (package notify) may call back into it, e.g. Get or Snapshot, without
// deadlocking.
type Sink interface {
	Publish(listID int, s frame.State)
}

// Publisher is the shared per-list state, [2]frame.State, guarded by its
// own lock.
type Publisher struct {
	mu     sync.Mutex
	states [2]frame.State
	sink   Sink
}

// New returns a Publisher with both lists Idle and no sink attached yet.
func New() *Publisher {
	return &Publisher{}
}

// SetSink attaches the notifier. Called once during startup wiring.
func (p *Publisher) SetSink(sink Sink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Set records listID's new state and forwards it to the sink. The
// publisher's own lock is released before the sink is invoked, so Sink
// implementations are free to take their own lock without risking
// lock-order inversion.
func (p *Publisher) Set(listID int, s frame.State) {
	p.mu.Lock()
	p.states[listID] = s
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.Publish(listID, s)
	}
}

// Get returns the last recorded state for listID.
func (p *Publisher) Get(listID int) frame.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[listID]
}

// Snapshot returns both lists' current states.
func (p *Publisher) Snapshot() [2]frame.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states
}
