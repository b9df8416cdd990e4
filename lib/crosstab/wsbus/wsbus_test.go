package wsbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/crosstab"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorsOverWebsocketHub(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	busA, err := Dial(ctx, url)
	require.NoError(t, err)
	defer busA.Close()
	busB, err := Dial(ctx, url)
	require.NoError(t, err)
	defer busB.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	a := crosstab.NewCoordinator("tab-a", busA, crosstab.DefaultOptions())
	defer a.Close()
	b := crosstab.NewCoordinator("tab-b", busB, crosstab.DefaultOptions())
	defer b.Close()

	got := make(chan model.ChangeEvent, 1)
	b.OnReceive(func(event model.ChangeEvent, rev *model.Revision) { got <- event })

	sent, err := a.Broadcast(ctx, model.ChangeEvent{DocumentID: "task-7", Revision: "2-ab", Origin: model.OriginLocal, Class: model.ClassTask}, nil)
	require.NoError(t, err)
	require.True(t, sent)

	select {
	case event := <-got:
		assert.Equal(t, "task-7", event.DocumentID)
		assert.Equal(t, model.OriginCrossTab, event.Origin)
		assert.Equal(t, model.ClassTask, event.Class)
	case <-ctx.Done():
		t.Fatal("event not relayed")
	}
}

func TestClosedClientRejectsPublish(t *testing.T) {
	srv := httptest.NewServer(NewHub())
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	_ = c.Close()
	assert.ErrorIs(t, c.Publish(context.Background(), crosstab.Envelope{}), crosstab.ErrBusClosed)
}
