package breaker

import (
	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds one breaker per sync target.
type Registry struct {
	cfg      Config
	clock    clock.Clock
	breakers *xsync.MapOf[model.SyncTarget, *Breaker]
	onChange func(target model.SyncTarget, from, to State)
}

// NewRegistry creates breakers for all sync targets. onChange may be nil.
func NewRegistry(cfg Config, c clock.Clock, onChange func(target model.SyncTarget, from, to State)) *Registry {
	r := &Registry{
		cfg:      cfg,
		clock:    clock.OrReal(c),
		breakers: xsync.NewMapOf[model.SyncTarget, *Breaker](),
		onChange: onChange,
	}
	for _, target := range model.SyncTargets() {
		r.Get(target)
	}
	return r
}

// Get returns the breaker of a target, creating it on first use.
func (r *Registry) Get(target model.SyncTarget) *Breaker {
	b, _ := r.breakers.LoadOrCompute(target, func() *Breaker {
		b := New(target, r.cfg, r.clock)
		if r.onChange != nil {
			b.OnStateChange(r.onChange)
		}
		return b
	})
	return b
}

// Snapshot returns the state of every breaker.
func (r *Registry) Snapshot() map[model.SyncTarget]State {
	out := map[model.SyncTarget]State{}
	r.breakers.Range(func(target model.SyncTarget, b *Breaker) bool {
		out[target] = b.Snapshot()
		return true
	})
	return out
}

// HealthScores returns the health score of every breaker.
func (r *Registry) HealthScores() map[model.SyncTarget]float64 {
	out := map[model.SyncTarget]float64{}
	r.breakers.Range(func(target model.SyncTarget, b *Breaker) bool {
		out[target] = b.Health()
		return true
	})
	return out
}
