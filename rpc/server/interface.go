package server

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// Shard is what one shard of the server serves: a replica and the lease
// store kept next to it.
type Shard struct {
	Replica replica.IReplica
	Leases  leader.ILeaseStore
}

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Types lists the message types the adapter handles
	Types() []common.MessageType
	// Handle handles a request against a shard and returns a response.
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message, shard Shard) (resp *common.Message)
}
