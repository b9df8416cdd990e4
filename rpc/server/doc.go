// Package server implements the dSync server: it serves replica shards to
// dSync contexts over RPC, and optionally the cross-tab websocket hub and a
// Prometheus endpoint on the same port.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface for the adapters translating messages to
//     calls on a Shard. NewReplicaServerAdapter handles push, pull and probe;
//     NewLeaseServerAdapter handles lease loads and compare-and-swap.
//
//   - NewRPCServer: Factory function creating a configured server with the specified
//     transport and serializer mechanisms.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Shards: []common.ServerShard{
//	    {ShardID: 100, Type: common.ShardTypeLocalReplica},
//	    {ShardID: 200, Type: common.ShardTypeSQLiteReplica},
//	  },
//	  DataDir:       "data",
//	  Endpoint:      "0.0.0.0:8080",
//	  TimeoutSecond: 5,
//	  Hub:           true,
//	  Metrics:       true,
//	  LogLevel:      "info",
//	}
//
//	s := server.NewRPCServer(config, http.NewHttpServerTransport(), serializer.NewJSONSerializer())
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Shard types, which can be mixed within a single server:
//
//   - ShardTypeLocalReplica: an in-memory replica, for development and tests.
//
//   - ShardTypeSQLiteReplica: a replica kept in DataDir/replica-<id>.db.
//
//   - ShardTypeRaftReplica: a replica replicated with Raft across ClusterMembers.
//     RTTMillisecond, SnapshotEntries, CompactionOverhead, DataDir and
//     ReplicaID must be configured.
//
// Every shard also stores the leases used for leader election, so contexts
// in different processes can elect one replication leader.
package server
