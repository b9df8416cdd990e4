package client

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// RPCReplica is a replica.IReplica on a dSync server.
type RPCReplica struct {
	rpcClientAdapter
}

var _ replica.IReplica = (*RPCReplica)(nil)

// NewRPCReplica connects to the replica of shardId on the configured servers.
func NewRPCReplica(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCReplica, error) {
	a, err := connect(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &RPCReplica{a}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the replica package in interface.go)
// --------------------------------------------------------------------------

func (r *RPCReplica) Push(ctx context.Context, docs []model.Document) (replica.PushResult, error) {
	resp, err := r.invoke(ctx, common.NewPushRequest(docs))
	if err != nil {
		return replica.PushResult{}, err
	}
	return replica.PushResult{Accepted: resp.Accepted, Rejected: resp.Rejected}, nil
}

func (r *RPCReplica) Pull(ctx context.Context, since uint64, limit int) (replica.PullResult, error) {
	resp, err := r.invoke(ctx, common.NewPullRequest(since, limit))
	if err != nil {
		return replica.PullResult{}, err
	}
	return replica.PullResult{Documents: resp.Documents, Checkpoint: resp.Checkpoint, More: resp.More}, nil
}

// Probe measures the round trip to the server. A server that answers but
// reports its replica unreachable is an error.
func (r *RPCReplica) Probe(ctx context.Context) (replica.ProbeResult, error) {
	start := time.Now()
	resp, err := r.invoke(ctx, common.NewProbeRequest())
	if err != nil {
		return replica.ProbeResult{}, err
	}
	if !resp.Ok {
		return replica.ProbeResult{}, fmt.Errorf("%w: shard %d reports its replica unreachable", model.ErrTransientIO, r.shardId)
	}
	return replica.ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}
