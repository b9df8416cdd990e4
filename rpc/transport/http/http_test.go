package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer routes requests to a handler that answers "<shard>:<body>".
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := NewHttpServerTransport().(*httpServerTransport)
	st.RegisterHandler(func(_ context.Context, shardId uint64, req []byte) []byte {
		return []byte(fmt.Sprintf("%d:%s", shardId, req))
	})
	st.Mount("GET /health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv := httptest.NewServer(st.mux())
	t.Cleanup(srv.Close)
	return srv
}

func TestSendRoutesByShard(t *testing.T) {
	srv := echoServer(t)

	c := NewHttpClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{Endpoints: []string{srv.URL}, TimeoutSecond: 5, RetryCount: 1}))
	defer c.Close()

	resp, err := c.Send(context.Background(), 100, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "100:ping", string(resp))
}

func TestMountedHandlersShareThePort(t *testing.T) {
	srv := echoServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	bad, err := http.Post(srv.URL+"/not-a-shard", "application/octet-stream", nil)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestRetryMovesToNextEndpoint(t *testing.T) {
	live := echoServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	c := NewHttpClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{Endpoints: []string{live.URL, dead.URL}, TimeoutSecond: 5, RetryCount: 2}))
	defer c.Close()

	for i := 0; i < 4; i++ {
		resp, err := c.Send(context.Background(), 7, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "7:x", string(resp))
	}
}

func TestSendFailsWithoutRetries(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	c := NewHttpClientTransport()
	require.NoError(t, c.Connect(common.ClientConfig{Endpoints: []string{dead.URL}, TimeoutSecond: 1}))

	_, err := c.Send(context.Background(), 1, nil)
	assert.Error(t, err)

	require.NoError(t, c.Close())
	_, err = c.Send(context.Background(), 1, nil)
	assert.Error(t, err)
}

func TestConnectRequiresEndpoints(t *testing.T) {
	assert.Error(t, NewHttpClientTransport().Connect(common.ClientConfig{}))
}

func TestRejectsMalformedShardId(t *testing.T) {
	srv := echoServer(t)

	resp, err := http.Post(srv.URL+"/not-a-shard", "application/octet-stream", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
