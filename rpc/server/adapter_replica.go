package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewReplicaServerAdapter creates the adapter translating push, pull and
// probe messages to replica.IReplica calls.
func NewReplicaServerAdapter() IRPCServerAdapter {
	return &replicaServerAdapterImpl{}
}

type replicaServerAdapterImpl struct{}

func (adapter *replicaServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTPush, common.MsgTPull, common.MsgTProbe}
}

func (adapter *replicaServerAdapterImpl) Handle(ctx context.Context, req *common.Message, shard Shard) *common.Message {
	if shard.Replica == nil {
		return common.NewErrorResponse("handler: replica is nil")
	}

	switch req.MsgType {
	case common.MsgTPush:
		res, err := shard.Replica.Push(ctx, req.Documents)
		return common.NewPushResponse(res.Accepted, res.Rejected, err)
	case common.MsgTPull:
		res, err := shard.Replica.Pull(ctx, req.Since, req.Limit)
		return common.NewPullResponse(res.Documents, res.Checkpoint, res.More, err)
	case common.MsgTProbe:
		res, err := shard.Replica.Probe(ctx)
		return common.NewProbeResponse(res.Reachable, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC ReplicaAdapter - Unsuported message type: %s", req.MsgType),
		)
	}
}
