package client

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// RPCLeaseStore is a leader.ILeaseStore on a dSync server. Contexts in
// different processes elect their leaders through it.
type RPCLeaseStore struct {
	rpcClientAdapter
}

var _ leader.ILeaseStore = (*RPCLeaseStore)(nil)

// NewRPCLeaseStore connects to the lease store of shardId on the configured servers.
func NewRPCLeaseStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCLeaseStore, error) {
	a, err := connect(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &RPCLeaseStore{a}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the leader package in lease.go)
// --------------------------------------------------------------------------

func (l *RPCLeaseStore) Load(ctx context.Context, key string) (leader.Lease, bool, error) {
	resp, err := l.invoke(ctx, common.NewLeaseLoadRequest(key))
	if err != nil {
		return leader.Lease{}, false, err
	}
	if !resp.Ok || resp.Lease == nil {
		return leader.Lease{}, false, nil
	}
	return *resp.Lease, true, nil
}

func (l *RPCLeaseStore) CompareAndSwap(ctx context.Context, key string, expectedTerm uint64, next leader.Lease) (bool, error) {
	resp, err := l.invoke(ctx, common.NewLeaseCASRequest(key, expectedTerm, next))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}
