package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("breaker")

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the breaker state.
type Status uint8

const (
	Closed Status = iota
	Open
	HalfOpen
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Closed":
		*s = Closed
	case "Open":
		*s = Open
	case "HalfOpen":
		*s = HalfOpen
	default:
		return fmt.Errorf("invalid breaker status %q", string(b))
	}
	return nil
}

// --------------------------------------------------------------------------
// Config and State
// --------------------------------------------------------------------------

// Config holds the breaker parameters.
type Config struct {
	// FailureThreshold trips the breaker after this many consecutive failures
	FailureThreshold int
	// HealthFloor trips the breaker when health drops below it
	HealthFloor float64
	// Alpha is the EMA smoothing factor of the health score
	Alpha float64
	// BaseCooldown is the cooldown of the first trip
	BaseCooldown time.Duration
	// MaxCooldown caps cooldown growth
	MaxCooldown time.Duration
	// Timeout bounds every operation
	Timeout time.Duration
}

// DefaultConfig returns the default breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		HealthFloor:      0.7,
		Alpha:            0.1,
		BaseCooldown:     300 * time.Millisecond,
		MaxCooldown:      30 * time.Second,
		Timeout:          10 * time.Second,
	}
}

// State is the observable (and persisted) state of a breaker.
type State struct {
	Status              Status        `json:"status" yaml:"status"`
	ConsecutiveFailures int           `json:"consecutiveFailures" yaml:"consecutiveFailures"`
	HealthScore         float64       `json:"healthScore" yaml:"healthScore"`
	OpenedAt            time.Time     `json:"openedAt,omitempty" yaml:"openedAt,omitempty"`
	Cooldown            time.Duration `json:"cooldown" yaml:"cooldown"`
	// LatencyP95 is the 95th percentile operation latency in milliseconds (not persisted)
	LatencyP95 float64 `json:"-" yaml:"latencyP95Ms"`
}

// OpenError is returned when the breaker refuses an operation.
type OpenError struct {
	Target  model.SyncTarget
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Target, e.RetryIn)
}

func (e *OpenError) Unwrap() error {
	return model.ErrCircuitOpen
}

// --------------------------------------------------------------------------
// Breaker
// --------------------------------------------------------------------------

// Breaker guards the operations of one target.
type Breaker struct {
	mu       sync.Mutex
	target   model.SyncTarget
	cfg      Config
	clock    clock.Clock
	state    State
	probing  bool
	latency  metrics.Histogram
	onChange func(target model.SyncTarget, from, to State)
}

// New creates a closed, fully healthy breaker. A nil clock uses the system clock.
func New(target model.SyncTarget, cfg Config, c clock.Clock) *Breaker {
	return &Breaker{
		target:  target,
		cfg:     cfg,
		clock:   clock.OrReal(c),
		state:   State{Status: Closed, HealthScore: 1},
		latency: metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015)),
	}
}

// OnStateChange registers a callback invoked (outside the lock) whenever the
// status changes.
func (b *Breaker) OnStateChange(fn func(target model.SyncTarget, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Target returns the guarded target.
func (b *Breaker) Target() model.SyncTarget {
	return b.target
}

// Do runs op through the breaker.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Execute runs op through the breaker and returns its result. It returns an
// *OpenError without invoking op if the breaker refuses the call.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.admit()
	if err != nil {
		return zero, err
	}

	opCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	start := b.clock.Now()
	res, opErr := op(opCtx)
	timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	b.latency.Update(b.clock.Now().Sub(start).Milliseconds())

	// the caller gave up: not the target's fault, do not count it
	if opErr != nil && ctx.Err() != nil && !timedOut {
		b.release(probe)
		return zero, opErr
	}
	if opErr == nil && timedOut {
		opErr = context.DeadlineExceeded
	}

	b.record(probe, opErr)
	if opErr != nil {
		if timedOut {
			return zero, fmt.Errorf("%w: %s timed out after %s", model.ErrTransientIO, b.target, b.cfg.Timeout)
		}
		return zero, opErr
	}
	return res, nil
}

// Snapshot returns the current state without changing it.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.effectiveLocked()
	st.LatencyP95 = b.latency.Percentile(0.95)
	return st
}

// Health returns the current health score.
func (b *Breaker) Health() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.HealthScore
}

// Restore replaces the state, e.g. with one persisted before a restart.
// A persisted HalfOpen is restored as Open (no probe can be in flight).
func (b *Breaker) Restore(st State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Status == HalfOpen {
		st.Status = Open
	}
	if st.HealthScore < 0 || st.HealthScore > 1 {
		st.HealthScore = 1
	}
	st.LatencyP95 = 0
	b.state = st
	b.probing = false
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// effectiveLocked reports Open breakers whose cooldown elapsed as HalfOpen.
func (b *Breaker) effectiveLocked() State {
	st := b.state
	if st.Status == Open && !b.clock.Now().Before(st.OpenedAt.Add(st.Cooldown)) {
		st.Status = HalfOpen
	}
	return st
}

// admit decides whether a call may run. probe is true if the call is the
// single HalfOpen probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.effectiveLocked()
	switch st.Status {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.probing {
			return false, &OpenError{Target: b.target, RetryIn: 0}
		}
		b.probing = true
		b.state.Status = HalfOpen
		return true, nil
	default:
		retryIn := st.OpenedAt.Add(st.Cooldown).Sub(b.clock.Now())
		return false, &OpenError{Target: b.target, RetryIn: retryIn}
	}
}

// release gives back a probe slot without recording an outcome.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	if b.state.Status == HalfOpen {
		b.state.Status = Open
	}
	b.mu.Unlock()
}

// record applies an outcome to the state machine.
func (b *Breaker) record(probe bool, opErr error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}

	if opErr == nil {
		b.state.ConsecutiveFailures = 0
		b.state.HealthScore += b.cfg.Alpha * (1 - b.state.HealthScore)
		if probe {
			b.state.Status = Closed
			b.state.Cooldown = max(b.state.Cooldown/2, b.cfg.BaseCooldown)
		}
	} else {
		b.state.ConsecutiveFailures++
		b.state.HealthScore -= b.cfg.Alpha * b.state.HealthScore
		switch {
		case probe:
			b.state.Cooldown = min(b.state.Cooldown*2, b.cfg.MaxCooldown)
			b.tripLocked()
		case b.state.Status == Closed && (b.state.ConsecutiveFailures >= b.cfg.FailureThreshold || b.state.HealthScore < b.cfg.HealthFloor):
			if b.state.Cooldown == 0 {
				b.state.Cooldown = b.cfg.BaseCooldown
			} else {
				b.state.Cooldown = min(b.state.Cooldown*2, b.cfg.MaxCooldown)
			}
			b.tripLocked()
		}
	}

	to := b.state
	onChange := b.onChange
	b.mu.Unlock()

	if from.Status != to.Status {
		if to.Status == Open {
			log.Warningf("%s breaker opened after %d consecutive failures (health %.2f, cooldown %s): %v",
				b.target, to.ConsecutiveFailures, to.HealthScore, to.Cooldown, opErr)
		} else {
			log.Infof("%s breaker %s -> %s", b.target, from.Status, to.Status)
		}
		if onChange != nil {
			onChange(b.target, from, to)
		}
	}
}

func (b *Breaker) tripLocked() {
	b.state.Status = Open
	b.state.OpenedAt = b.clock.Now()
}
