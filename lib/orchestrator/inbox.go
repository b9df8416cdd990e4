package orchestrator

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/model"
)

// inbox is the FIFO between the store's change feed and the event worker.
// The feed must not block, so the inbox is unbounded.
type inbox struct {
	mu     sync.Mutex
	events []model.RawEvent
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		events: make([]model.RawEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// push appends an event. It returns false once the inbox is closed.
func (in *inbox) push(ev model.RawEvent) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.events = append(in.events, ev)
	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued event.
func (in *inbox) drain() []model.RawEvent {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.events) == 0 {
		return nil
	}
	out := in.events
	in.events = make([]model.RawEvent, 0, 64)
	return out
}

// wait returns a channel that is signalled when events may be available.
func (in *inbox) wait() <-chan struct{} {
	return in.signal
}

func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.signal)
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.events)
}
