package crosstab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("cross-tab bus closed")

// Envelope is one cross-tab message.
type Envelope struct {
	SenderID string            `json:"senderId"`
	Event    model.ChangeEvent `json:"event"`
	// Revision carries the revision itself for receivers that do not share
	// the sender's store (may be nil)
	Revision *model.Revision `json:"revision,omitempty"`
	SentAt   time.Time       `json:"sentAt"`
}

// Bus transports envelopes between contexts. A bus may deliver a context's
// own envelopes back to it.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (unsubscribe func())
	Close() error
}

// --------------------------------------------------------------------------
// In-process Hub
// --------------------------------------------------------------------------

// hubBuffer is the per-endpoint delivery buffer. Envelopes beyond it are dropped.
const hubBuffer = 256

// Hub connects contexts living in the same process.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*hubEndpoint]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*hubEndpoint]struct{})}
}

// Connect returns a new bus endpoint attached to the hub.
func (h *Hub) Connect() Bus {
	ep := &hubEndpoint{
		hub:   h,
		inbox: make(chan Envelope, hubBuffer),
		done:  make(chan struct{}),
		subs:  make(map[uint64]func(Envelope)),
	}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	go ep.deliver()
	return ep
}

// Publish delivers env to every endpoint without blocking.
func (h *Hub) Publish(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ep := range h.endpoints {
		select {
		case ep.inbox <- env:
		default:
			log.Debugf("hub endpoint buffer full, dropping %s@%s", env.Event.DocumentID, env.Event.Revision)
		}
	}
}

type hubEndpoint struct {
	hub   *Hub
	inbox chan Envelope
	done  chan struct{}
	once  sync.Once

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(Envelope)
}

func (e *hubEndpoint) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-e.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.hub.Publish(env)
	return nil
}

func (e *hubEndpoint) Subscribe(fn func(Envelope)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *hubEndpoint) Close() error {
	e.once.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.endpoints, e)
		e.hub.mu.Unlock()
		close(e.done)
	})
	return nil
}

func (e *hubEndpoint) deliver() {
	for {
		select {
		case <-e.done:
			return
		case env := <-e.inbox:
			e.mu.RLock()
			subs := make([]func(Envelope), 0, len(e.subs))
			for _, fn := range e.subs {
				subs = append(subs, fn)
			}
			e.mu.RUnlock()
			for _, fn := range subs {
				fn(env)
			}
		}
	}
}
