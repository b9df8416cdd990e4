package docstore

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/model"
)

// Feed fans RawEvents out to subscribers. Implementations call Publish while
// holding their write lock, so every subscriber sees events in commit order.
type Feed struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(model.RawEvent)
}

// Subscribe registers fn and returns a function removing it again.
func (f *Feed) Subscribe(fn func(model.RawEvent)) Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = map[uint64]func(model.RawEvent){}
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Publish delivers events to every subscriber, in order.
func (f *Feed) Publish(events []model.RawEvent) {
	if len(events) == 0 {
		return
	}
	f.mu.RLock()
	subs := make([]func(model.RawEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
