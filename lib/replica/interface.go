// Package replica defines the replication transport between a context and
// the remote replica, plus the replica-side logic shared by its
// implementations.
//
// Implementations:
//   - lreplica: a replica over a local docstore (single node, tests)
//   - dreplica: a raft-replicated replica (dragonboat)
//   - rpc/client: a replica on a remote dSync server
package replica

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
)

// PushResult lists which documents the replica took.
type PushResult struct {
	Accepted []string `json:"accepted" yaml:"accepted"`
	Rejected []string `json:"rejected" yaml:"rejected"`
}

// PullResult is a page of documents changed since a checkpoint.
type PullResult struct {
	Documents  []model.Document `json:"documents" yaml:"documents"`
	Checkpoint uint64           `json:"checkpoint" yaml:"checkpoint"`
	// More is set if the page was cut at the limit
	More bool `json:"more" yaml:"more"`
}

// ProbeResult is the outcome of a connectivity probe.
type ProbeResult struct {
	Reachable bool          `json:"reachable" yaml:"reachable"`
	RTT       time.Duration `json:"rtt" yaml:"rtt"`
}

// IReplica is the replication transport.
//
// Transport failures are returned wrapped in model.ErrTransientIO; a replica
// that can never be synced with (e.g. incompatible) returns
// model.ErrRemoteUnrecoverable.
type IReplica interface {
	// Push sends the leaf revisions of locally changed documents.
	Push(ctx context.Context, docs []model.Document) (PushResult, error)
	// Pull returns up to limit documents changed after since, with all their leaves.
	Pull(ctx context.Context, since uint64, limit int) (PullResult, error)
	// Probe checks whether the replica is reachable.
	Probe(ctx context.Context) (ProbeResult, error)
}
