package dreplica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/lib/replica/dreplica/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("replica")
)

// Replica talks to the replica state machine of one raft shard. It
// implements replica.IReplica and leader.ILeaseStore.
type Replica struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

var (
	_ replica.IReplica   = (*Replica)(nil)
	_ leader.ILeaseStore = (*Replica)(nil)
)

// New creates a replica client for a shard hosted by nh.
func New(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Replica {
	return &Replica{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations
// --------------------------------------------------------------------------

// write proposes a command and decodes its JSON result into R.
func write[R any](ctx context.Context, r *Replica, cmd internal.Command) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.nh.SyncPropose(pctx, r.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			if !sleep(ctx, r.timeout/10) {
				break
			}
			continue
		}
		if err != nil {
			return zero, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
		}
		if res.Value != uint64(docstore.RetCSuccess) {
			return zero, docstore.NewError(docstore.RetCode(res.Value), string(res.Data))
		}
		var out R
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return zero, docstore.NewError(docstore.RetCInternalError, fmt.Sprintf("undecodable %s result: %v", cmd.Type, err))
		}
		return out, nil
	}
	return zero, fmt.Errorf("%w: %s timed out", model.ErrTransientIO, cmd.Type)
}

// read queries the state machine (linearizable) and casts the answer to R.
func read[R any](ctx context.Context, r *Replica, q internal.Query) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		rctx, cancel := context.WithTimeout(ctx, r.timeout)
		res, err := r.nh.SyncRead(rctx, r.shardID, q)
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			if !sleep(ctx, r.timeout/10) {
				break
			}
			continue
		}
		if err != nil {
			var de *docstore.Error
			if errors.As(err, &de) {
				return zero, de
			}
			return zero, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
		}

		casted, ok := res.(R)
		if !ok {
			return zero, docstore.NewError(docstore.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, fmt.Errorf("%w: %s timed out", model.ErrTransientIO, q.Type)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// --------------------------------------------------------------------------
// Interface Methods
// --------------------------------------------------------------------------

func (r *Replica) Push(ctx context.Context, docs []model.Document) (replica.PushResult, error) {
	payload, err := json.Marshal(docs)
	if err != nil {
		return replica.PushResult{}, err
	}
	return write[replica.PushResult](ctx, r, internal.Command{Type: internal.CommandTPush, Payload: payload})
}

func (r *Replica) Pull(ctx context.Context, since uint64, limit int) (replica.PullResult, error) {
	return read[replica.PullResult](ctx, r, internal.Query{Type: internal.QueryTPull, Since: since, Limit: limit})
}

// Probe reports the shard reachable once it has a known leader, and measures
// the round trip of a linearizable read.
func (r *Replica) Probe(ctx context.Context) (replica.ProbeResult, error) {
	_, _, valid, err := r.nh.GetLeaderID(r.shardID)
	if err != nil {
		return replica.ProbeResult{}, fmt.Errorf("%w: %v", model.ErrTransientIO, err)
	}
	if !valid {
		return replica.ProbeResult{}, fmt.Errorf("%w: shard %d has no leader", model.ErrTransientIO, r.shardID)
	}
	start := time.Now()
	if _, _, err := r.Load(ctx, "probe"); err != nil {
		return replica.ProbeResult{}, err
	}
	return replica.ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (r *Replica) Load(ctx context.Context, key string) (leader.Lease, bool, error) {
	res, err := read[LeaseResult](ctx, r, internal.Query{Type: internal.QueryTLeaseLoad, Key: key})
	if err != nil {
		return leader.Lease{}, false, err
	}
	return res.Lease, res.Found, nil
}

func (r *Replica) CompareAndSwap(ctx context.Context, key string, expectedTerm uint64, next leader.Lease) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return write[bool](ctx, r, internal.Command{
		Type:         internal.CommandTLeaseCAS,
		ExpectedTerm: expectedTerm,
		Key:          key,
		Payload:      payload,
	})
}
