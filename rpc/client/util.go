package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation if an RPC client
// Used by the RPCReplica and RPCLeaseStore with composition pattern
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// connect connects the transport and returns the adapter for shardId
func connect(shardId uint64, config common.ClientConfig, t transport.IRPCClientTransport, s serializer.IRPCSerializer) (rpcClientAdapter, error) {
	if err := t.Connect(config); err != nil {
		return rpcClientAdapter{}, err
	}
	return rpcClientAdapter{
		shardId:    shardId,
		config:     config,
		transport:  t,
		serializer: s,
	}, nil
}

// Close closes the underlying transport
func (a *rpcClientAdapter) Close() error {
	return a.transport.Close()
}

// invoke is a helper function used for all RPC Clients to send requests.
// Transport failures are wrapped in model.ErrTransientIO. A response that
// cannot be decoded or has the wrong type means the server speaks another
// protocol and is wrapped in model.ErrRemoteUnrecoverable. Errors reported
// by the server keep the class they had there.
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := a.transport.Send(ctx, a.shardId, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s to shard %d: %v", model.ErrTransientIO, req.MsgType, a.shardId, err)
	}

	resp := &common.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("%w: undecodable %s response: %v", model.ErrRemoteUnrecoverable, req.MsgType, err)
	}

	if err := resp.AsError(); err != nil {
		return nil, err
	}

	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("%w: unexpected message type: %s, expected %s", model.ErrRemoteUnrecoverable, resp.MsgType, req.MsgType)
	}

	return resp, nil
}
