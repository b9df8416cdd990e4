package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// NewLeaseServerAdapter creates the adapter translating lease messages to
// leader.ILeaseStore calls.
func NewLeaseServerAdapter() IRPCServerAdapter {
	return &leaseServerAdapterImpl{}
}

type leaseServerAdapterImpl struct{}

func (adapter *leaseServerAdapterImpl) Types() []common.MessageType {
	return []common.MessageType{common.MsgTLeaseLoad, common.MsgTLeaseCAS}
}

func (adapter *leaseServerAdapterImpl) Handle(ctx context.Context, req *common.Message, shard Shard) *common.Message {
	if shard.Leases == nil {
		return common.NewErrorResponse("handler: lease store is nil")
	}
	if req.Key == "" {
		return common.NewErrorResponse("handler: lease key is empty")
	}

	switch req.MsgType {
	case common.MsgTLeaseLoad:
		lease, found, err := shard.Leases.Load(ctx, req.Key)
		return common.NewLeaseLoadResponse(lease, found, err)
	case common.MsgTLeaseCAS:
		if req.Lease == nil {
			return common.NewErrorResponse("handler: lease is missing")
		}
		swapped, err := shard.Leases.CompareAndSwap(ctx, req.Key, req.ExpectedTerm, *req.Lease)
		return common.NewLeaseCASResponse(swapped, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC LeaseAdapter - Unsuported message type: %s", req.MsgType),
		)
	}
}
