// Package lreplica implements replica.IReplica over a docstore in the same
// process. It backs the local replica shards of the dSync server and serves
// as the remote in tests. A replica can be taken offline to simulate an
// unreachable remote.
package lreplica

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
)

// Replica is an in-process replica.
type Replica struct {
	store   docstore.IDocStore
	leases  leader.ILeaseStore
	offline atomic.Bool
	pushes  atomic.Uint64
	pulls   atomic.Uint64
}

var _ replica.IReplica = (*Replica)(nil)

// New creates a replica that keeps its state in store.
func New(store docstore.IDocStore) *Replica {
	return &Replica{
		store:  store,
		leases: leader.NewMetaLeaseStore(store),
	}
}

// Store returns the underlying document store.
func (r *Replica) Store() docstore.IDocStore {
	return r.store
}

// Leases returns a lease store kept in the replica's meta namespace.
func (r *Replica) Leases() leader.ILeaseStore {
	return r.leases
}

// SetOnline makes the replica reachable or unreachable.
func (r *Replica) SetOnline(online bool) {
	r.offline.Store(!online)
}

// Calls returns the number of push and pull calls that reached the replica.
func (r *Replica) Calls() (pushes, pulls uint64) {
	return r.pushes.Load(), r.pulls.Load()
}

func (r *Replica) Push(ctx context.Context, docs []model.Document) (replica.PushResult, error) {
	if err := r.reachable(ctx); err != nil {
		return replica.PushResult{}, err
	}
	r.pushes.Add(1)
	return replica.ApplyPush(ctx, r.store, docs)
}

func (r *Replica) Pull(ctx context.Context, since uint64, limit int) (replica.PullResult, error) {
	if err := r.reachable(ctx); err != nil {
		return replica.PullResult{}, err
	}
	r.pulls.Add(1)
	return replica.ReadChanges(ctx, r.store, since, limit)
}

func (r *Replica) Probe(ctx context.Context) (replica.ProbeResult, error) {
	if err := r.reachable(ctx); err != nil {
		return replica.ProbeResult{}, err
	}
	return replica.ProbeResult{Reachable: true}, nil
}

func (r *Replica) reachable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	if r.offline.Load() {
		return fmt.Errorf("%w: replica unreachable", model.ErrTransientIO)
	}
	return nil
}
