package syncqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("syncqueue")

// ErrClosed is returned by Schedule and Flush after Close.
var ErrClosed = errors.New("sync queue closed")

// Work is the flush action of a target. It runs exactly once per flush.
type Work func(ctx context.Context) error

// Entry is the pending entry of a target.
type Entry struct {
	Target         model.SyncTarget `json:"target" yaml:"target"`
	ScheduledAt    time.Time        `json:"scheduledAt" yaml:"scheduledAt"`
	CoalescedCount int              `json:"coalescedCount" yaml:"coalescedCount"`
}

// FlushReport describes one completed flush.
type FlushReport struct {
	Target    model.SyncTarget
	Coalesced int
	// Forced is set when the coalesce cap or an explicit Flush made the entry due
	Forced bool
	Took   time.Duration
	Err    error
}

// Options configures a Queue.
type Options struct {
	// Windows is the debounce window per target
	Windows map[model.SyncTarget]time.Duration
	// MinIntervals is the minimum gap between the end of one flush of a
	// target and the start of the next (zero: none)
	MinIntervals map[model.SyncTarget]time.Duration
	// CoalesceCap forces a flush after this many re-schedules
	CoalesceCap int
	// Clock is the time source (nil: system clock)
	Clock clock.Clock
	// OnFlush is called after every flush (may be nil)
	OnFlush func(FlushReport)
}

// Default debounce windows.
const (
	DefaultLocalPersistWindow = 1000 * time.Millisecond
	DefaultBroadcastWindow    = 100 * time.Millisecond
	DefaultPushWindow         = 600 * time.Millisecond
	DefaultCrossTabPushWindow = 300 * time.Millisecond
	DefaultPullWindow         = 5 * time.Second
	DefaultCoalesceCap        = 10
)

// DefaultOptions returns the default windows and coalesce cap.
func DefaultOptions() Options {
	return Options{
		Windows: map[model.SyncTarget]time.Duration{
			model.TargetLocalPersist:      DefaultLocalPersistWindow,
			model.TargetCrossTabBroadcast: DefaultBroadcastWindow,
			model.TargetRemotePush:        DefaultPushWindow,
			model.TargetRemotePull:        DefaultPullWindow,
		},
		CoalesceCap: DefaultCoalesceCap,
	}
}

type pending struct {
	entry  Entry
	work   Work
	forced bool
}

// Queue is the debounced sync queue. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	opts     Options
	clock    clock.Clock
	deadline *deadlineHeap
	pending  map[model.SyncTarget]*pending
	running  map[model.SyncTarget]bool
	lastEnd  map[model.SyncTarget]time.Time
	timer    clock.Timer
	timerAt  time.Time
	idle     chan struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue. Targets without a configured window use the defaults.
func New(opts Options) *Queue {
	defaults := DefaultOptions()
	windows := make(map[model.SyncTarget]time.Duration, len(defaults.Windows))
	for t, w := range defaults.Windows {
		windows[t] = w
	}
	for t, w := range opts.Windows {
		windows[t] = w
	}
	opts.Windows = windows
	if opts.CoalesceCap <= 0 {
		opts.CoalesceCap = DefaultCoalesceCap
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		opts:     opts,
		clock:    clock.OrReal(opts.Clock),
		deadline: newDeadlineHeap(),
		pending:  make(map[model.SyncTarget]*pending),
		running:  make(map[model.SyncTarget]bool),
		lastEnd:  make(map[model.SyncTarget]time.Time),
		idle:     idle,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Window returns the configured window of a target.
func (q *Queue) Window(target model.SyncTarget) time.Duration {
	return q.opts.Windows[target]
}

// PushWindow returns the remote push window for a change of the given origin.
// Changes relayed from another tab are pushed in half the window of local ones.
func (q *Queue) PushWindow(origin model.Origin) time.Duration {
	w := q.opts.Windows[model.TargetRemotePush]
	if origin == model.OriginCrossTab {
		return w / 2
	}
	return w
}

// Schedule schedules work for target using the target's window.
func (q *Queue) Schedule(target model.SyncTarget, work Work) (Entry, error) {
	return q.ScheduleIn(target, q.opts.Windows[target], work)
}

// ScheduleIn schedules work for target with an explicit window. If an entry
// is already pending its deadline slides to now+window, its work is replaced
// and its coalesced count incremented. Reaching the coalesce cap flushes the
// entry immediately. Otherwise the deadline never falls within the target's
// minimum interval after its previous flush.
func (q *Queue) ScheduleIn(target model.SyncTarget, window time.Duration, work Work) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Entry{}, ErrClosed
	}

	now := q.clock.Now()
	p, ok := q.pending[target]
	if !ok {
		p = &pending{entry: Entry{Target: target, ScheduledAt: now.Add(window)}}
		q.pending[target] = p
		q.markBusyLocked()
	} else {
		p.entry.CoalescedCount++
		p.entry.ScheduledAt = now.Add(window)
		if p.entry.CoalescedCount >= q.opts.CoalesceCap {
			log.Debugf("%s reached coalesce cap (%d), flushing now", target, p.entry.CoalescedCount)
			p.entry.ScheduledAt = now
			p.forced = true
		}
	}
	p.work = work
	if !p.forced {
		p.entry.ScheduledAt = q.notBeforeLocked(target, p.entry.ScheduledAt)
	}

	if !q.running[target] {
		q.deadline.set(target, p.entry.ScheduledAt)
	}
	q.dispatchLocked(now)
	return p.entry, nil
}

// Cancel drops the pending entry of a target without running it.
func (q *Queue) Cancel(target model.SyncTarget) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[target]; !ok {
		return false
	}
	delete(q.pending, target)
	q.deadline.remove(target)
	q.armLocked()
	q.maybeIdleLocked()
	return true
}

// Pending returns the pending entry of a target.
func (q *Queue) Pending(target model.SyncTarget) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[target]
	if !ok {
		return Entry{}, false
	}
	return p.entry, true
}

// Entries returns all pending entries.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.pending))
	for _, t := range model.SyncTargets() {
		if p, ok := q.pending[t]; ok {
			out = append(out, p.entry)
		}
	}
	return out
}

// Flush makes every pending entry due now and waits until the queue has no
// pending or running work (or ctx is done).
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	idle := q.flushAllLocked()
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending entries, waits for running work and rejects further
// scheduling. The context bounds the wait; remaining work is cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	idle := q.flushAllLocked()
	q.closed = true
	q.mu.Unlock()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
	}
	q.cancel()

	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (q *Queue) flushAllLocked() <-chan struct{} {
	now := q.clock.Now()
	for t, p := range q.pending {
		p.entry.ScheduledAt = now
		p.forced = true
		if !q.running[t] {
			q.deadline.set(t, now)
		}
	}
	q.dispatchLocked(now)
	return q.idle
}

// dispatchLocked starts every due entry whose target is idle and re-arms the timer.
func (q *Queue) dispatchLocked(now time.Time) {
	for {
		target, ok := q.deadline.popDue(now)
		if !ok {
			break
		}
		p, ok := q.pending[target]
		if !ok {
			continue
		}
		delete(q.pending, target)
		q.running[target] = true
		q.wg.Add(1)
		go q.run(p)
	}
	q.armLocked()
}

func (q *Queue) run(p *pending) {
	defer q.wg.Done()

	start := q.clock.Now()
	err := q.safeRun(p.work)
	end := q.clock.Now()
	q.mu.Lock()
	q.lastEnd[p.entry.Target] = end
	q.mu.Unlock()

	report := FlushReport{
		Target:    p.entry.Target,
		Coalesced: p.entry.CoalescedCount,
		Forced:    p.forced,
		Took:      end.Sub(start),
		Err:       err,
	}
	if err != nil {
		log.Debugf("%s flush failed after %d coalesced calls: %v", p.entry.Target, p.entry.CoalescedCount, err)
	}
	if q.opts.OnFlush != nil {
		q.opts.OnFlush(report)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, p.entry.Target)
	// an entry scheduled while the target was running waits in pending only
	if next, ok := q.pending[p.entry.Target]; ok {
		if !next.forced {
			next.entry.ScheduledAt = q.notBeforeLocked(p.entry.Target, next.entry.ScheduledAt)
		}
		q.deadline.set(p.entry.Target, next.entry.ScheduledAt)
	}
	q.dispatchLocked(q.clock.Now())
	q.maybeIdleLocked()
}

// notBeforeLocked pushes at past the minimum interval since the target's last flush.
func (q *Queue) notBeforeLocked(target model.SyncTarget, at time.Time) time.Time {
	gap := q.opts.MinIntervals[target]
	end, ok := q.lastEnd[target]
	if gap <= 0 || !ok {
		return at
	}
	if earliest := end.Add(gap); at.Before(earliest) {
		return earliest
	}
	return at
}

func (q *Queue) safeRun(work Work) (err error) {
	if work == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("sync work panicked: %v", r)
			err = errors.New("sync work panicked")
		}
	}()
	return work(q.ctx)
}

// armLocked points the single timer at the earliest deadline.
func (q *Queue) armLocked() {
	it, ok := q.deadline.peek()
	if !ok {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		return
	}
	if q.timer != nil && q.timerAt.Equal(it.deadline) {
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	if q.closed && q.ctx.Err() != nil {
		return
	}
	d := it.deadline.Sub(q.clock.Now())
	if d <= 0 {
		q.timer = nil
		go q.fire()
		return
	}
	q.timerAt = it.deadline
	q.timer = q.clock.AfterFunc(d, q.fire)
}

func (q *Queue) fire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer = nil
	q.dispatchLocked(q.clock.Now())
}

func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) maybeIdleLocked() {
	if len(q.pending) > 0 || len(q.running) > 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}
