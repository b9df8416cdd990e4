package leader

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("leader")

// Config holds the election timings.
type Config struct {
	// LeaseDuration is the validity of an acquired or renewed lease
	LeaseDuration time.Duration
	// Heartbeat is the renewal interval
	Heartbeat time.Duration
	// RenewTimeout bounds a single renewal
	RenewTimeout time.Duration
}

// DefaultConfig returns a 10s lease renewed every 3s with a 1s timeout.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 10 * time.Second,
		Heartbeat:     3 * time.Second,
		RenewTimeout:  time.Second,
	}
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// Handle represents leadership over one key held by this context.
type Handle struct {
	elector *Elector

	mu        sync.Mutex
	lease     Lease
	heartbeat clock.Timer
	watchdog  clock.Timer
	done      chan struct{}
	ended     bool
}

// Lease returns a copy of the lease as last written.
func (h *Handle) Lease() Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Key returns the leased resource key.
func (h *Handle) Key() string {
	return h.Lease().Key
}

// Term returns the term of the lease.
func (h *Handle) Term() uint64 {
	return h.Lease().Term
}

// Valid reports whether leadership is still held.
func (h *Handle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.ended && h.lease.ValidAt(h.elector.clock.Now())
}

// Done is closed when leadership ends (lost or released).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// end stops the timers. It returns false if the handle already ended.
func (h *Handle) end() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	h.ended = true
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	close(h.done)
	return true
}

// stopHeartbeat stops renewing without giving up the lease.
func (h *Handle) stopHeartbeat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.heartbeat != nil {
		h.heartbeat.Stop()
		h.heartbeat = nil
	}
}

// --------------------------------------------------------------------------
// Elector
// --------------------------------------------------------------------------

// Elector acquires and maintains leases on behalf of one context.
type Elector struct {
	store   ILeaseStore
	ownerID string
	cfg     Config
	clock   clock.Clock

	mu     sync.Mutex
	held   map[string]*Handle
	onLost []func(Lease)
}

// NewElector creates an elector. An empty ownerID gets a random one.
func NewElector(store ILeaseStore, ownerID string, cfg Config, c clock.Clock) *Elector {
	if ownerID == "" {
		ownerID = uuid.NewString()
	}
	return &Elector{
		store:   store,
		ownerID: ownerID,
		cfg:     cfg,
		clock:   clock.OrReal(c),
		held:    make(map[string]*Handle),
	}
}

// OwnerID returns the id this elector acquires leases as.
func (e *Elector) OwnerID() string {
	return e.ownerID
}

// OnLeadershipLost registers a handler called when a held lease could not be
// renewed in time. It is not called on Release.
func (e *Elector) OnLeadershipLost(fn func(Lease)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLost = append(e.onLost, fn)
}

// Held returns the handle of a key if this elector currently leads it.
func (e *Elector) Held(key string) (*Handle, bool) {
	e.mu.Lock()
	h, ok := e.held[key]
	e.mu.Unlock()
	if !ok || !h.Valid() {
		return nil, false
	}
	return h, true
}

// TryAcquire attempts to become leader of key. A nil handle with a nil error
// means another context holds a valid lease, which is an expected outcome.
func (e *Elector) TryAcquire(ctx context.Context, key string) (*Handle, error) {
	if h, ok := e.Held(key); ok {
		return h, nil
	}

	current, found, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if found && current.ValidAt(now) {
		return nil, nil
	}

	next := Lease{
		Key:        key,
		OwnerID:    e.ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.cfg.LeaseDuration),
		Term:       current.Term + 1,
	}
	swapped, err := e.store.CompareAndSwap(ctx, key, current.Term, next)
	if err != nil || !swapped {
		return nil, err
	}

	log.Infof("%s acquired lease %q (term %d)", e.ownerID, key, next.Term)
	h := &Handle{elector: e, lease: next, done: make(chan struct{})}
	e.mu.Lock()
	e.held[key] = h
	e.mu.Unlock()

	h.mu.Lock()
	e.armLocked(h)
	h.mu.Unlock()
	return h, nil
}

// Renew extends the lease of h. It returns false, and reports leadership as
// lost, if the renewal deadline passed or another term was written.
func (e *Elector) Renew(ctx context.Context, h *Handle) bool {
	lease := h.Lease()
	now := e.clock.Now()
	if !h.Valid() {
		e.lose(h, "renewal deadline missed")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RenewTimeout)
	defer cancel()

	next := lease
	next.ExpiresAt = now.Add(e.cfg.LeaseDuration)
	swapped, err := e.store.CompareAndSwap(ctx, lease.Key, lease.Term, next)
	if err != nil {
		log.Warningf("renewing lease %q (term %d) failed: %v", lease.Key, lease.Term, err)
		// the lease stands until the watchdog fires; keep heartbeating until then
		h.mu.Lock()
		if !h.ended {
			e.armHeartbeatLocked(h)
		}
		h.mu.Unlock()
		return h.Valid()
	}
	if !swapped {
		e.lose(h, "lease taken over")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	h.lease = next
	e.armLocked(h)
	return true
}

// Release gives up leadership. The stored lease is expired but keeps its term.
func (e *Elector) Release(ctx context.Context, h *Handle) error {
	if !h.end() {
		return nil
	}
	e.forget(h)

	lease := h.Lease()
	released := lease
	released.ExpiresAt = e.clock.Now()
	_, err := e.store.CompareAndSwap(ctx, lease.Key, lease.Term, released)
	if err == nil {
		log.Infof("%s released lease %q (term %d)", e.ownerID, lease.Key, lease.Term)
	}
	return err
}

// Close releases every held lease.
func (e *Elector) Close(ctx context.Context) error {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.held))
	for _, h := range e.held {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := e.Release(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// armLocked schedules the next heartbeat and the expiry watchdog of h.
func (e *Elector) armLocked(h *Handle) {
	e.armHeartbeatLocked(h)
	e.armWatchdogLocked(h)
}

func (e *Elector) armHeartbeatLocked(h *Handle) {
	if h.heartbeat != nil {
		h.heartbeat.Stop()
	}
	h.heartbeat = e.clock.AfterFunc(e.cfg.Heartbeat, func() {
		e.Renew(context.Background(), h)
	})
}

func (e *Elector) armWatchdogLocked(h *Handle) {
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	h.watchdog = e.clock.AfterFunc(h.lease.ExpiresAt.Sub(e.clock.Now()), func() {
		e.lose(h, "lease expired")
	})
}

func (e *Elector) lose(h *Handle, reason string) {
	if !h.end() {
		return
	}
	e.forget(h)

	lease := h.Lease()
	log.Warningf("%s lost lease %q (term %d): %s", e.ownerID, lease.Key, lease.Term, reason)
	e.mu.Lock()
	handlers := append([]func(Lease){}, e.onLost...)
	e.mu.Unlock()
	for _, fn := range handlers {
		fn(lease)
	}
}

func (e *Elector) forget(h *Handle) {
	key := h.Lease().Key
	e.mu.Lock()
	if e.held[key] == h {
		delete(e.held, key)
	}
	e.mu.Unlock()
}
