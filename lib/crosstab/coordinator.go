package crosstab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("crosstab")

// Options configures a Coordinator.
type Options struct {
	// SeenTTL is how long a (documentId, revision) pair stays deduplicated
	SeenTTL time.Duration
	// RateLimit is the number of broadcasts allowed per RateWindow (0: unlimited)
	RateLimit  int
	RateWindow time.Duration
	// Clock is the time source (nil: system clock)
	Clock clock.Clock
}

// DefaultOptions returns a 5s dedup window and 50 broadcasts per second.
func DefaultOptions() Options {
	return Options{
		SeenTTL:    5 * time.Second,
		RateLimit:  50,
		RateWindow: time.Second,
	}
}

// Handler receives an event relayed from another context. Its origin is
// always CrossTab. rev is nil if the sender did not attach the revision.
type Handler func(event model.ChangeEvent, rev *model.Revision)

// Stats counts coordinator activity.
type Stats struct {
	Sent        uint64 `json:"sent" yaml:"sent"`
	Deduped     uint64 `json:"deduped" yaml:"deduped"`
	RateLimited uint64 `json:"rateLimited" yaml:"rateLimited"`
	Received    uint64 `json:"received" yaml:"received"`
	Dropped     uint64 `json:"dropped" yaml:"dropped"`
}

// Coordinator broadcasts this context's changes and receives the others'.
type Coordinator struct {
	selfID  string
	bus     Bus
	opts    Options
	clock   clock.Clock
	limiter *limiter

	outSeen *xsync.MapOf[string, time.Time]
	inSeen  *xsync.MapOf[string, time.Time]

	mu       sync.RWMutex
	handlers []Handler
	unsub    func()

	sent, deduped, rateLimited, received, dropped atomic.Uint64
	calls                                         atomic.Uint64
}

// NewCoordinator attaches a coordinator for context selfID to bus.
func NewCoordinator(selfID string, bus Bus, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = defaults.SeenTTL
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = defaults.RateWindow
	}
	c := clock.OrReal(opts.Clock)

	co := &Coordinator{
		selfID:  selfID,
		bus:     bus,
		opts:    opts,
		clock:   c,
		limiter: newLimiter(opts.RateLimit, opts.RateWindow, c),
		outSeen: xsync.NewMapOf[string, time.Time](),
		inSeen:  xsync.NewMapOf[string, time.Time](),
	}
	co.unsub = bus.Subscribe(co.receive)
	return co
}

// Broadcast sends a change to the other contexts. It reports whether the
// message left the process; deduplicated and rate limited events are not an
// error.
func (co *Coordinator) Broadcast(ctx context.Context, event model.ChangeEvent, rev *model.Revision) (bool, error) {
	co.maybeSweep()
	now := co.clock.Now()

	if !co.markSeen(co.outSeen, event, now) {
		co.deduped.Add(1)
		return false, nil
	}
	if !co.limiter.allow() {
		co.rateLimited.Add(1)
		// allow a later retry of the same revision
		co.outSeen.Delete(seenKey(event))
		log.Debugf("broadcast of %s@%s rate limited", event.DocumentID, event.Revision)
		return false, nil
	}

	err := co.bus.Publish(ctx, Envelope{
		SenderID: co.selfID,
		Event:    event,
		Revision: rev,
		SentAt:   now,
	})
	if err != nil {
		co.outSeen.Delete(seenKey(event))
		return false, err
	}
	co.sent.Add(1)
	return true, nil
}

// OnReceive registers a handler for events from other contexts.
func (co *Coordinator) OnReceive(fn Handler) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.handlers = append(co.handlers, fn)
}

// Stats returns the activity counters.
func (co *Coordinator) Stats() Stats {
	return Stats{
		Sent:        co.sent.Load(),
		Deduped:     co.deduped.Load(),
		RateLimited: co.rateLimited.Load(),
		Received:    co.received.Load(),
		Dropped:     co.dropped.Load(),
	}
}

// Close detaches from the bus. The bus itself is not closed.
func (co *Coordinator) Close() {
	co.mu.Lock()
	unsub := co.unsub
	co.unsub = nil
	co.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (co *Coordinator) receive(env Envelope) {
	if env.SenderID == co.selfID {
		return
	}
	event := env.Event
	// the sender's claimed origin is never trusted
	event.Origin = model.OriginCrossTab

	if !co.markSeen(co.inSeen, event, co.clock.Now()) {
		co.dropped.Add(1)
		return
	}
	co.received.Add(1)

	co.mu.RLock()
	handlers := append([]Handler(nil), co.handlers...)
	co.mu.RUnlock()
	for _, fn := range handlers {
		fn(event, env.Revision)
	}
}

// markSeen records the event and reports whether it was not seen within the TTL.
func (co *Coordinator) markSeen(seen *xsync.MapOf[string, time.Time], event model.ChangeEvent, now time.Time) bool {
	fresh := false
	seen.Compute(seenKey(event), func(last time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Sub(last) < co.opts.SeenTTL {
			return last, false
		}
		fresh = true
		return now, false
	})
	return fresh
}

// maybeSweep drops expired seen entries every 256 broadcasts.
func (co *Coordinator) maybeSweep() {
	if co.calls.Add(1)%256 != 0 {
		return
	}
	cutoff := co.clock.Now().Add(-co.opts.SeenTTL)
	for _, seen := range []*xsync.MapOf[string, time.Time]{co.outSeen, co.inSeen} {
		seen.Range(func(key string, at time.Time) bool {
			if at.Before(cutoff) {
				seen.Delete(key)
			}
			return true
		})
	}
}

func seenKey(event model.ChangeEvent) string {
	return event.DocumentID + "\x00" + event.Revision
}
