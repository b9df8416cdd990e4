package common

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// Dragonboat
// --------------------------------------------------------------------------

// Election and heartbeat timing in multiples of RTTMillisecond, as
// recommended by the raft paper.
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig returns the raft config of one replica shard
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
	}
}

// ToNodeHostConfig returns the config of the NodeHost shared by all raft shards
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// ServerShardType selects where the replica of a shard keeps its documents.
type ServerShardType string

const (
	// ShardTypeLocalReplica keeps the replica in memory.
	ShardTypeLocalReplica ServerShardType = "local replica"
	// ShardTypeSQLiteReplica keeps the replica in a sqlite file below DataDir.
	ShardTypeSQLiteReplica ServerShardType = "sqlite replica"
	// ShardTypeRaftReplica replicates the replica over the cluster members.
	ShardTypeRaftReplica ServerShardType = "raft replica"
)

var shardTypeNames = map[string]ServerShardType{
	"local":  ShardTypeLocalReplica,
	"sqlite": ShardTypeSQLiteReplica,
	"raft":   ShardTypeRaftReplica,
}

// ParseShardType maps the short names used on the command line to shard types.
func ParseShardType(s string) (ServerShardType, error) {
	if t, ok := shardTypeNames[strings.TrimSpace(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("invalid shard type: %s (expected one of: local, sqlite, raft)", s)
}

// persistent reports whether the shard type writes below DataDir
func (t ServerShardType) persistent() bool {
	return t == ShardTypeSQLiteReplica || t == ShardTypeRaftReplica
}

// ServerShard is one replica served by the RPC server. Every shard answers
// replica and lease messages.
type ServerShard struct {
	ShardID uint64
	Type    ServerShardType
}

// ServerConfig holds all configuration parameters of a dSync server.
type ServerConfig struct {
	Shards []ServerShard

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// TimeoutSecond bounds every replica operation
	TimeoutSecond int64

	// HTTP api settings
	Endpoint string
	// Hub serves the cross-tab websocket hub on /tabs
	Hub bool
	// Metrics serves the Prometheus endpoint on /metrics
	Metrics bool

	LogLevel string
}

// HasRaftShard checks if the configuration contains any raft shards
func (c *ServerConfig) HasRaftShard() bool {
	for _, shard := range c.Shards {
		if shard.Type == ShardTypeRaftReplica {
			return true
		}
	}
	return false
}

// Validate reports every problem of the configuration at once
func (c *ServerConfig) Validate() error {
	var errs []error
	if len(c.Shards) == 0 {
		errs = append(errs, errors.New("no shards configured"))
	}

	seen := make(map[uint64]bool, len(c.Shards))
	for _, shard := range c.Shards {
		if seen[shard.ShardID] {
			errs = append(errs, fmt.Errorf("shard %d configured twice", shard.ShardID))
		}
		seen[shard.ShardID] = true

		switch shard.Type {
		case ShardTypeLocalReplica, ShardTypeSQLiteReplica, ShardTypeRaftReplica:
		default:
			errs = append(errs, fmt.Errorf("shard %d: invalid shard type %q", shard.ShardID, shard.Type))
		}
		if shard.Type.persistent() && c.DataDir == "" {
			errs = append(errs, fmt.Errorf("shard %d: %s needs a data directory", shard.ShardID, shard.Type))
		}
	}

	if c.HasRaftShard() {
		switch {
		case c.ReplicaID == 0:
			errs = append(errs, errors.New("a replica id is required for raft shards"))
		case len(c.ClusterMembers) == 0:
			errs = append(errs, errors.New("cluster members are required for raft shards"))
		case c.ClusterMembers[c.ReplicaID] == "":
			errs = append(errs, fmt.Errorf("no address found for replica id %d in cluster members", c.ReplicaID))
		}
	}
	return errors.Join(errs...)
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var w configWriter

	w.section("RPC Server")
	w.field("Endpoint", c.Endpoint)
	w.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	w.field("Tab Hub", strconv.FormatBool(c.Hub))
	w.field("Metrics", strconv.FormatBool(c.Metrics))
	w.field("Log Level", c.LogLevel)

	w.section("Shards")
	for _, shard := range c.Shards {
		w.field(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}

	if c.DataDir != "" {
		w.section("Storage")
		w.field("Data Directory", c.DataDir)
	}

	if c.HasRaftShard() {
		w.section("Raft")
		w.field("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		w.field("Raft Address", c.ClusterMembers[c.ReplicaID])
		w.field("Round Trip Time", fmt.Sprintf("%d ms", c.RTTMillisecond))
		w.field("Election Timeout", fmt.Sprintf("%d ms", c.RTTMillisecond*electionRTTFactor))
		w.field("Heartbeat", fmt.Sprintf("%d ms", c.RTTMillisecond*heartbeatRTTFactor))
		w.field("Snapshot Entries", strconv.FormatUint(c.SnapshotEntries, 10))
		w.field("Compaction Overhead", strconv.FormatUint(c.CompactionOverhead, 10))

		w.section("Cluster")
		ids := make([]uint64, 0, len(c.ClusterMembers))
		for id := range c.ClusterMembers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			w.field(strconv.FormatUint(id, 10), c.ClusterMembers[id])
		}
	}
	return w.String()
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// ClientConfig configures the RPC clients of a context.
type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	// RetryCount is the number of endpoints tried per request
	RetryCount int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var w configWriter

	w.section("Client")
	w.field("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	w.field("Retry Count", strconv.Itoa(c.RetryCount))

	w.section("Endpoints")
	for i, endpoint := range c.Endpoints {
		w.field(strconv.Itoa(i), endpoint)
	}
	return w.String()
}

type configWriter struct {
	strings.Builder
}

func (w *configWriter) section(title string) {
	fmt.Fprintf(w, "\n%s\n", strings.ToUpper(title))
}

func (w *configWriter) field(name, value string) {
	fmt.Fprintf(w, "  %-22s: %s\n", name, value)
}
