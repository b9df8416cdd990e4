package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/docstore/memstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/server"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// In-process transport
// --------------------------------------------------------------------------

type loopback struct {
	handler transport.ServerHandleFunc
	ready   chan struct{}
	down    bool
}

func newLoopback() *loopback {
	return &loopback{ready: make(chan struct{})}
}

func (l *loopback) RegisterHandler(h transport.ServerHandleFunc) { l.handler = h }

func (l *loopback) Mount(string, http.Handler) {}

func (l *loopback) Listen(ctx context.Context, _ common.ServerConfig) error {
	close(l.ready)
	<-ctx.Done()
	return nil
}

func (l *loopback) client() transport.IRPCClientTransport { return &loopbackClient{l} }

type loopbackClient struct{ l *loopback }

func (c *loopbackClient) Connect(common.ClientConfig) error { return nil }

func (c *loopbackClient) Send(ctx context.Context, shardId uint64, req []byte) ([]byte, error) {
	if c.l.down {
		return nil, errors.New("connection refused")
	}
	return c.l.handler(ctx, shardId, req), nil
}

func (c *loopbackClient) Close() error { return nil }

// serve starts a server with one local replica shard (100) and returns its transport.
func serve(t *testing.T) *loopback {
	t.Helper()
	l := newLoopback()
	cfg := common.ServerConfig{
		Shards:        []common.ServerShard{{ShardID: 100, Type: common.ShardTypeLocalReplica}},
		TimeoutSecond: 5,
		LogLevel:      "info",
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.NewRPCServer(cfg, l, serializer.NewJSONSerializer()).Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	select {
	case <-l.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return l
}

func localDoc(t *testing.T, id, body string) model.Document {
	t.Helper()
	ctx := context.Background()
	s := memstore.NewMemStore(nil)
	defer s.Close()
	_, err := s.Put(ctx, []docstore.PutRequest{{ID: id, Class: model.ClassTask, Body: json.RawMessage(body), UpdatedAt: 10}}, model.OriginLocal, "tab")
	require.NoError(t, err)
	doc, _, err := s.Get(ctx, id, true)
	require.NoError(t, err)
	return doc
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestReplicaOverRPC(t *testing.T) {
	ctx := context.Background()
	l := serve(t)

	r, err := NewRPCReplica(100, common.ClientConfig{}, l.client(), serializer.NewJSONSerializer())
	require.NoError(t, err)
	defer r.Close()

	probe, err := r.Probe(ctx)
	require.NoError(t, err)
	assert.True(t, probe.Reachable)

	doc := localDoc(t, "task-1", `{"title":"a"}`)
	res, err := r.Push(ctx, []model.Document{doc, {ID: "broken", Class: model.ClassTask, Revision: model.Revision{Rev: "nope"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, res.Accepted)
	assert.Equal(t, []string{"broken"}, res.Rejected)

	page, err := r.Pull(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, doc.Revision.Rev, page.Documents[0].Revision.Rev)
	assert.JSONEq(t, `{"title":"a"}`, string(page.Documents[0].Revision.Body))
	assert.False(t, page.More)
	assert.NotZero(t, page.Checkpoint)
}

func TestLeaderElectionOverRPC(t *testing.T) {
	ctx := context.Background()
	l := serve(t)

	leases, err := NewRPCLeaseStore(100, common.ClientConfig{}, l.client(), serializer.NewJSONSerializer())
	require.NoError(t, err)

	_, found, err := leases.Load(ctx, "replication")
	require.NoError(t, err)
	assert.False(t, found)

	a := leader.NewElector(leases, "tab-a", leader.DefaultConfig(), nil)
	b := leader.NewElector(leases, "tab-b", leader.DefaultConfig(), nil)
	defer a.Close(ctx)
	defer b.Close(ctx)

	h, err := a.TryAcquire(ctx, "replication")
	require.NoError(t, err)
	require.NotNil(t, h)

	other, err := b.TryAcquire(ctx, "replication")
	require.NoError(t, err)
	assert.Nil(t, other)

	lease, found, err := leases.Load(ctx, "replication")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tab-a", lease.OwnerID)
	assert.Equal(t, h.Term(), lease.Term)
}

func TestErrorsKeepTheirClass(t *testing.T) {
	ctx := context.Background()
	l := serve(t)

	unknown, err := NewRPCReplica(999, common.ClientConfig{}, l.client(), serializer.NewJSONSerializer())
	require.NoError(t, err)
	_, err = unknown.Pull(ctx, 0, 10)
	assert.ErrorIs(t, err, model.ErrRemoteUnrecoverable)

	r, err := NewRPCReplica(100, common.ClientConfig{}, l.client(), serializer.NewJSONSerializer())
	require.NoError(t, err)
	l.down = true
	_, err = r.Probe(ctx)
	assert.ErrorIs(t, err, model.ErrTransientIO)
	l.down = false

	// the server answers in JSON, a gob client cannot read it
	mismatched, err := NewRPCReplica(100, common.ClientConfig{}, l.client(), serializer.NewGOBSerializer())
	require.NoError(t, err)
	_, err = mismatched.Probe(ctx)
	assert.ErrorIs(t, err, model.ErrRemoteUnrecoverable)
}
