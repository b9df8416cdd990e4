package common

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShardType(t *testing.T) {
	for name, want := range map[string]ServerShardType{
		"local":    ShardTypeLocalReplica,
		" sqlite ": ShardTypeSQLiteReplica,
		"raft":     ShardTypeRaftReplica,
	} {
		got, err := ParseShardType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}

	_, err := ParseShardType("lstore")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	ok := ServerConfig{Shards: []ServerShard{{ShardID: 1, Type: ShardTypeLocalReplica}}}
	assert.NoError(t, ok.Validate())

	raft := ServerConfig{
		Shards:         []ServerShard{{ShardID: 1, Type: ShardTypeRaftReplica}},
		DataDir:        "data",
		ReplicaID:      7,
		ClusterMembers: map[uint64]string{7: "localhost:63001"},
	}
	assert.NoError(t, raft.Validate())

	for name, cfg := range map[string]ServerConfig{
		"no shards":       {},
		"duplicate shard": {Shards: []ServerShard{{ShardID: 1, Type: ShardTypeLocalReplica}, {ShardID: 1, Type: ShardTypeLocalReplica}}},
		"unknown type":    {Shards: []ServerShard{{ShardID: 1, Type: "kv"}}},
		"sqlite no dir":   {Shards: []ServerShard{{ShardID: 1, Type: ShardTypeSQLiteReplica}}},
		"raft no id":      {Shards: raft.Shards, DataDir: "data", ClusterMembers: raft.ClusterMembers},
		"raft no members": {Shards: raft.Shards, DataDir: "data", ReplicaID: 7},
		"raft no address": {Shards: raft.Shards, DataDir: "data", ReplicaID: 8, ClusterMembers: raft.ClusterMembers},
	} {
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestConfigStrings(t *testing.T) {
	server := ServerConfig{
		Shards:         []ServerShard{{ShardID: 100, Type: ShardTypeRaftReplica}},
		DataDir:        "data",
		ReplicaID:      7,
		ClusterMembers: map[uint64]string{7: "localhost:63001"},
		RTTMillisecond: 100,
	}
	out := server.String()
	assert.Contains(t, out, "raft replica")
	assert.Contains(t, out, "localhost:63001")
	assert.Contains(t, out, "1000 ms")

	client := ClientConfig{Endpoints: []string{"http://a:8080", "http://b:8080"}, RetryCount: 2}
	assert.Contains(t, client.String(), "http://b:8080")
}

func TestErrorCodesRestoreErrorClasses(t *testing.T) {
	assert.Equal(t, ErrCodeNone, CodeOf(nil))
	assert.Equal(t, ErrCodeUnrecoverable, CodeOf(fmt.Errorf("wrapped: %w", model.ErrStoreCorrupt)))
	assert.Equal(t, ErrCodeTransient, CodeOf(fmt.Errorf("disk busy")))

	assert.NoError(t, NewProbeResponse(true, nil).AsError())
	assert.ErrorIs(t, NewProbeResponse(false, model.ErrTransientIO).AsError(), model.ErrTransientIO)
	assert.ErrorIs(t, NewPullResponse(nil, 0, false, model.ErrRemoteUnrecoverable).AsError(), model.ErrRemoteUnrecoverable)
	assert.ErrorIs(t, NewErrorResponse("bad request").AsError(), model.ErrRemoteUnrecoverable)
}

func TestValidLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.True(t, ValidLogLevel(level), level)
	}
	assert.False(t, ValidLogLevel("trace"))
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf strings.Builder
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(os.Stderr) })

	l := CreateLogger("orchestrator")
	l.Infof("mode %s", "Live")
	l.Debugf("hidden")
	l.SetLevel(logger.DEBUG)
	l.Debugf("shown")

	out := buf.String()
	assert.Contains(t, out, "INFO  | orchestrator    | mode Live")
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "DEBUG | orchestrator    | shown")
	assert.Panics(t, func() { l.Panicf("boom") })
}
