package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureTransport records what the server registers instead of listening.
type captureTransport struct {
	handler transport.ServerHandleFunc
	mounts  map[string]http.Handler
}

func (c *captureTransport) RegisterHandler(h transport.ServerHandleFunc) { c.handler = h }

func (c *captureTransport) Mount(pattern string, h http.Handler) {
	if c.mounts == nil {
		c.mounts = map[string]http.Handler{}
	}
	c.mounts[pattern] = h
}

func (c *captureTransport) Listen(context.Context, common.ServerConfig) error { return nil }

func newTestServer(t *testing.T, cfg common.ServerConfig) (*RPCServer, *captureTransport) {
	t.Helper()
	tr := &captureTransport{}
	s := NewRPCServer(cfg, tr, serializer.NewJSONSerializer())
	require.NoError(t, s.init())
	t.Cleanup(s.close)
	return s, tr
}

func call(t *testing.T, tr *captureTransport, shard uint64, req *common.Message) common.Message {
	t.Helper()
	js := serializer.NewJSONSerializer()
	b, err := js.Serialize(*req)
	require.NoError(t, err)
	var resp common.Message
	require.NoError(t, js.Deserialize(tr.handler(context.Background(), shard, b), &resp))
	return resp
}

func TestShardsServeReplicaAndLeases(t *testing.T) {
	_, tr := newTestServer(t, common.ServerConfig{
		Shards: []common.ServerShard{
			{ShardID: 100, Type: common.ShardTypeLocalReplica},
			{ShardID: 200, Type: common.ShardTypeSQLiteReplica},
		},
		DataDir: t.TempDir(),
	})

	for _, shard := range []uint64{100, 200} {
		probe := call(t, tr, shard, common.NewProbeRequest())
		assert.Empty(t, probe.Err)
		assert.True(t, probe.Ok)

		pull := call(t, tr, shard, common.NewPullRequest(0, 10))
		assert.Empty(t, pull.Err)
		assert.Empty(t, pull.Documents)

		load := call(t, tr, shard, common.NewLeaseLoadRequest("replication"))
		assert.Empty(t, load.Err)
		assert.False(t, load.Ok)
	}
}

func TestSQLiteShardLivesInDataDir(t *testing.T) {
	dir := t.TempDir()
	newTestServer(t, common.ServerConfig{
		Shards:  []common.ServerShard{{ShardID: 7, Type: common.ShardTypeSQLiteReplica}},
		DataDir: dir,
	})
	assert.FileExists(t, filepath.Join(dir, "replica-7.db"))
}

func TestInvalidRequests(t *testing.T) {
	_, tr := newTestServer(t, common.ServerConfig{
		Shards: []common.ServerShard{{ShardID: 100, Type: common.ShardTypeLocalReplica}},
	})

	resp := call(t, tr, 1, common.NewProbeRequest())
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Contains(t, resp.Err, "not found")

	resp = call(t, tr, 100, &common.Message{MsgType: common.MsgTSuccess})
	assert.Equal(t, common.MsgTError, resp.MsgType)

	resp = call(t, tr, 100, common.NewLeaseLoadRequest(""))
	assert.Equal(t, common.MsgTError, resp.MsgType)

	var garbage common.Message
	js := serializer.NewJSONSerializer()
	require.NoError(t, js.Deserialize(tr.handler(context.Background(), 100, []byte("{")), &garbage))
	assert.Equal(t, common.MsgTError, garbage.MsgType)
	assert.Equal(t, common.ErrCodeInvalid, garbage.Code)
}

func TestHubAndMetricsAreMounted(t *testing.T) {
	s, tr := newTestServer(t, common.ServerConfig{
		Shards:  []common.ServerShard{{ShardID: 100, Type: common.ShardTypeLocalReplica}},
		Hub:     true,
		Metrics: true,
	})
	require.NotNil(t, s.hub)
	require.Contains(t, tr.mounts, "GET "+HubPath)
	require.Contains(t, tr.mounts, "GET "+MetricsPath)

	call(t, tr, 100, common.NewProbeRequest())

	rec := httptest.NewRecorder()
	tr.mounts["GET "+MetricsPath].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, MetricsPath, nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `dsync_rpc_requests_total{shard="100",type="probe",result="ok"} 1`)
	assert.Contains(t, string(body), "dsync_hub_clients 0")
}

func TestUnknownShardTypeFails(t *testing.T) {
	s := NewRPCServer(common.ServerConfig{
		Shards: []common.ServerShard{{ShardID: 1, Type: "lock manager"}},
	}, &captureTransport{}, serializer.NewJSONSerializer())
	assert.Error(t, s.init())
}
