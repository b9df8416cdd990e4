package orchestrator

import (
	"time"

	"github.com/ValentinKolb/dSync/lib/breaker"
	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/conflict"
	"github.com/ValentinKolb/dSync/lib/crosstab"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/lib/syncqueue"
)

// Meta keys owned by the orchestrator.
const (
	MetaPullCheckpoint = "checkpoint/pull"
	MetaPushCheckpoint = "checkpoint/push"
	MetaBreakerPrefix  = "breaker/"
)

// DefaultReplicationLeaseKey is the lease whose holder talks to the remote.
const DefaultReplicationLeaseKey = "replication"

// Config holds the parameters of one context.
type Config struct {
	// TabID identifies the context (writer id on the store, sender id on the bus)
	TabID string

	Queue    syncqueue.Options
	Breaker  breaker.Config
	Leader   leader.Config
	CrossTab crosstab.Options

	// PromoteAfter is the number of successful pulls (ReadOnly) or pushes
	// (Progressive) needed before promotion
	PromoteAfter int
	// PromoteHealth is the minimal health score of the target for promotion
	PromoteHealth float64
	// ConflictThreshold regresses Progressive to ReadOnly when exceeded
	ConflictThreshold float64
	// ConflictMinSample is the number of synced documents needed before the
	// conflict rate is evaluated
	ConflictMinSample int

	// ProbeInterval is the period of connectivity probes while not syncing
	ProbeInterval time.Duration
	// PullLimit is the page size of a remote pull
	PullLimit int
	// PushBatch is the number of change log entries pushed at once
	PushBatch int

	AuditCapacity int
	// AuditMaxAge drops audit records older than this (0: keep)
	AuditMaxAge time.Duration
	// FieldMergeClasses are the classes resolved by field merge (nil: Settings)
	FieldMergeClasses []model.DocumentClass

	ReplicationLeaseKey string

	// Clock is the time source (nil: system clock)
	Clock clock.Clock
}

// DefaultConfig returns the default parameters for a context.
func DefaultConfig(tabID string) Config {
	return Config{
		TabID:               tabID,
		Queue:               syncqueue.DefaultOptions(),
		Breaker:             breaker.DefaultConfig(),
		Leader:              leader.DefaultConfig(),
		CrossTab:            crosstab.DefaultOptions(),
		PromoteAfter:        2,
		PromoteHealth:       0.9,
		ConflictThreshold:   0.05,
		ConflictMinSample:   20,
		ProbeInterval:       time.Second,
		PullLimit:           replica.DefaultPullLimit,
		PushBatch:           100,
		AuditCapacity:       conflict.DefaultAuditCapacity,
		ReplicationLeaseKey: DefaultReplicationLeaseKey,
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.TabID)
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.HealthFloor <= 0 {
		c.Breaker.HealthFloor = d.Breaker.HealthFloor
	}
	if c.Breaker.Alpha <= 0 {
		c.Breaker.Alpha = d.Breaker.Alpha
	}
	if c.Breaker.BaseCooldown <= 0 {
		c.Breaker.BaseCooldown = d.Breaker.BaseCooldown
	}
	if c.Breaker.MaxCooldown <= 0 {
		c.Breaker.MaxCooldown = d.Breaker.MaxCooldown
	}
	if c.Breaker.Timeout <= 0 {
		c.Breaker.Timeout = d.Breaker.Timeout
	}
	if c.Leader.LeaseDuration <= 0 {
		c.Leader = d.Leader
	}
	if c.PromoteAfter <= 0 {
		c.PromoteAfter = d.PromoteAfter
	}
	if c.PromoteHealth <= 0 {
		c.PromoteHealth = d.PromoteHealth
	}
	if c.ConflictThreshold <= 0 {
		c.ConflictThreshold = d.ConflictThreshold
	}
	if c.ConflictMinSample <= 0 {
		c.ConflictMinSample = d.ConflictMinSample
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.PullLimit <= 0 {
		c.PullLimit = d.PullLimit
	}
	if c.PushBatch <= 0 {
		c.PushBatch = d.PushBatch
	}
	if c.AuditCapacity <= 0 {
		c.AuditCapacity = d.AuditCapacity
	}
	if c.ReplicationLeaseKey == "" {
		c.ReplicationLeaseKey = d.ReplicationLeaseKey
	}
	return c
}

// Deps are the collaborators of a context.
type Deps struct {
	// Store is the local durable store (required)
	Store docstore.IDocStore
	// Remote is the replication transport (nil: local only)
	Remote replica.IReplica
	// Bus connects the context to the other contexts (nil: no cross-tab messaging)
	Bus crosstab.Bus
	// Leases backs leader election (nil: the store's meta namespace)
	Leases leader.ILeaseStore
}
