package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/lib/crosstab/wsbus"
	"github.com/ValentinKolb/dSync/lib/docstore/memstore"
	"github.com/ValentinKolb/dSync/lib/docstore/sqlstore"
	"github.com/ValentinKolb/dSync/lib/replica/dreplica"
	"github.com/ValentinKolb/dSync/lib/replica/lreplica"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

const (
	// HubPath serves the cross-tab websocket hub
	HubPath = "/tabs"
	// MetricsPath serves the Prometheus metrics
	MetricsPath = "/metrics"
)

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		serializer.NewJSONSerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, Shard](),
		adapters:   map[common.MessageType]IRPCServerAdapter{},
		metrics:    metrics.NewSet(),
	}
	for _, a := range []IRPCServerAdapter{NewReplicaServerAdapter(), NewLeaseServerAdapter()} {
		for _, t := range a.Types() {
			s.adapters[t] = a
		}
	}
	return s
}

// RPCServer serves replica and lease shards to dSync contexts.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, Shard]
	adapters   map[common.MessageType]IRPCServerAdapter
	metrics    *metrics.Set
	hub        *wsbus.Hub
	closers    []io.Closer
}

// handle decodes a request, runs it against its shard and encodes the response.
func (s *RPCServer) handle(ctx context.Context, shardId uint64, req []byte) []byte {
	start := time.Now()
	var msg common.Message
	var respMsg *common.Message

	shard, ok := s.shards.Load(shardId)
	if !ok {
		respMsg = common.NewErrorResponse(fmt.Sprintf("shard %d not found", shardId))
	} else if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else if adapter, ok := s.adapters[msg.MsgType]; !ok {
		respMsg = common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", msg.MsgType))
	} else {
		if s.config.TimeoutSecond > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutSecond)*time.Second)
			defer cancel()
		}
		respMsg = adapter.Handle(ctx, &msg, shard)
	}

	result := "ok"
	if respMsg.Err != "" {
		result = "error"
	}
	s.metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_rpc_requests_total{shard="%d",type=%q,result=%q}`, shardId, msg.MsgType, result)).Inc()
	s.metrics.GetOrCreateHistogram(fmt.Sprintf(`dsync_rpc_request_duration_seconds{type=%q}`, msg.MsgType)).Update(time.Since(start).Seconds())

	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", msg.MsgType, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return val
}

// init creates the shards and registers the handlers with the transport.
func (s *RPCServer) init() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Create the Dragonboat NodeHost
	var nodeHost *dragonboat.NodeHost
	var err error
	if s.config.HasRaftShard() {
		nodeHost, err = dragonboat.NewNodeHost(s.config.ToNodeHostConfig())
		if err != nil {
			return fmt.Errorf("failed to create node host: %w", err)
		}
		s.closers = append(s.closers, closerFunc(func() error { nodeHost.Close(); return nil }))
	}

	timeout := time.Duration(s.config.TimeoutSecond) * time.Second

	// CREATE SHARDS

	for _, shardConfig := range s.config.Shards {
		switch shardConfig.Type {
		case common.ShardTypeLocalReplica:
			r := lreplica.New(memstore.NewMemStore(nil))
			s.shards.Store(shardConfig.ShardID, Shard{Replica: r, Leases: r.Leases()})
			Logger.Infof("created local replica for shard %d", shardConfig.ShardID)

		case common.ShardTypeSQLiteReplica:
			if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
			path := filepath.Join(s.config.DataDir, fmt.Sprintf("replica-%d.db", shardConfig.ShardID))
			store, err := sqlstore.Open(path, nil)
			if err != nil {
				return fmt.Errorf("failed to open shard %d: %w", shardConfig.ShardID, err)
			}
			s.closers = append(s.closers, store)
			r := lreplica.New(store)
			s.shards.Store(shardConfig.ShardID, Shard{Replica: r, Leases: r.Leases()})
			Logger.Infof("created sqlite replica for shard %d at %s", shardConfig.ShardID, path)

		case common.ShardTypeRaftReplica:
			if nodeHost == nil {
				return fmt.Errorf("node host is nil, cannot create raft replica")
			}
			if err := nodeHost.StartConcurrentReplica(s.config.ClusterMembers, false, dreplica.CreateStateMachineFactory(), s.config.ToDragonboatConfig(shardConfig.ShardID)); err != nil {
				return fmt.Errorf("failed to start shard %d: %w", shardConfig.ShardID, err)
			}
			r := dreplica.New(nodeHost, shardConfig.ShardID, timeout)
			s.shards.Store(shardConfig.ShardID, Shard{Replica: r, Leases: r})
			Logger.Infof("started raft replica for shard %d", shardConfig.ShardID)

		default:
			return fmt.Errorf("invalid shard type: %s", shardConfig.Type)
		}
	}

	s.transport.RegisterHandler(s.handle)

	if s.config.Hub {
		s.hub = wsbus.NewHub()
		s.metrics.NewGauge("dsync_hub_clients", func() float64 { return float64(s.hub.Clients()) })
		s.transport.Mount("GET "+HubPath, s.hub)
	}
	if s.config.Metrics {
		s.transport.Mount("GET "+MetricsPath, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
			s.metrics.WritePrometheus(w)
		}))
	}

	Logger.Infof("dSync setup completed successfully")
	return nil
}

// Serve initializes the shards and serves until ctx is done. The shards are
// closed before it returns.
func (s *RPCServer) Serve(ctx context.Context) error {
	defer s.close()
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(ctx, s.config)
}

func (s *RPCServer) close() {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	if err := errors.Join(errs...); err != nil {
		Logger.Errorf("closing shards: %v", err)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
