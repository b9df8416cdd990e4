package crosstab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	event model.ChangeEvent
	rev   *model.Revision
}

func listen(co *Coordinator) <-chan received {
	ch := make(chan received, 64)
	co.OnReceive(func(event model.ChangeEvent, rev *model.Revision) {
		ch <- received{event: event, rev: rev}
	})
	return ch
}

func expectEvent(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cross-tab event")
		return received{}
	}
}

func expectNothing(t *testing.T, ch <-chan received) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected event %+v", r.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func pair(t *testing.T, opts Options) (*Coordinator, *Coordinator) {
	t.Helper()
	hub := NewHub()
	busA, busB := hub.Connect(), hub.Connect()
	a := NewCoordinator("tab-a", busA, opts)
	b := NewCoordinator("tab-b", busB, opts)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		_ = busA.Close()
		_ = busB.Close()
	})
	return a, b
}

func TestReceiverRetagsAsCrossTab(t *testing.T) {
	a, b := pair(t, DefaultOptions())
	inA, inB := listen(a), listen(b)

	for i, origin := range []model.Origin{model.OriginLocal, model.OriginRemotePull, model.OriginUnset} {
		event := model.ChangeEvent{DocumentID: "task-7", Revision: string(rune('1'+i)) + "-abc", Origin: origin, Class: model.ClassTask}
		sent, err := a.Broadcast(context.Background(), event, nil)
		require.NoError(t, err)
		require.True(t, sent)

		got := expectEvent(t, inB)
		assert.Equal(t, model.OriginCrossTab, got.event.Origin)
		assert.Equal(t, event.Revision, got.event.Revision)
	}
	// never delivered back to the sender
	expectNothing(t, inA)
}

func TestOutgoingDedupWithinTTL(t *testing.T) {
	c := clock.NewManual(time.Unix(1_000, 0))
	opts := DefaultOptions()
	opts.Clock = c
	a, b := pair(t, opts)
	inB := listen(b)

	event := model.ChangeEvent{DocumentID: "task-7", Revision: "3-ff", Origin: model.OriginLocal}
	for i := 0; i < 5; i++ {
		sent, err := a.Broadcast(context.Background(), event, nil)
		require.NoError(t, err)
		assert.Equal(t, i == 0, sent)
	}
	expectEvent(t, inB)
	expectNothing(t, inB)
	assert.Equal(t, uint64(4), a.Stats().Deduped)

	c.Advance(5 * time.Second)
	sent, err := a.Broadcast(context.Background(), event, nil)
	require.NoError(t, err)
	assert.True(t, sent)
	// the receiver's dedup window expired as well
	r := expectEvent(t, inB)
	assert.Equal(t, "3-ff", r.event.Revision)
}

func TestIncomingDuplicatesAreDropped(t *testing.T) {
	hub := NewHub()
	bus := hub.Connect()
	defer bus.Close()
	co := NewCoordinator("tab-b", bus, DefaultOptions())
	defer co.Close()
	in := listen(co)

	env := Envelope{SenderID: "tab-a", Event: model.ChangeEvent{DocumentID: "d", Revision: "1-a", Origin: model.OriginLocal}}
	hub.Publish(env)
	hub.Publish(env)

	expectEvent(t, in)
	expectNothing(t, in)
	assert.Equal(t, uint64(1), co.Stats().Dropped)
}

func TestRateLimit(t *testing.T) {
	c := clock.NewManual(time.Unix(1_000, 0))
	opts := Options{RateLimit: 2, RateWindow: time.Second, Clock: c}
	a, _ := pair(t, opts)

	send := func(rev string) bool {
		sent, err := a.Broadcast(context.Background(), model.ChangeEvent{DocumentID: "d", Revision: rev}, nil)
		require.NoError(t, err)
		return sent
	}
	assert.True(t, send("1-a"))
	assert.True(t, send("2-a"))
	assert.False(t, send("3-a"))
	assert.Equal(t, uint64(1), a.Stats().RateLimited)

	c.Advance(time.Second)
	assert.True(t, send("3-a"), "rate limited revisions are not remembered as seen")
}

func TestRevisionTravelsWithEnvelope(t *testing.T) {
	a, b := pair(t, DefaultOptions())
	inB := listen(b)

	rev := &model.Revision{Rev: "1-aa", UpdatedAt: 42, Body: json.RawMessage(`{"x":1}`)}
	_, err := a.Broadcast(context.Background(), model.ChangeEvent{DocumentID: "d", Revision: rev.Rev}, rev)
	require.NoError(t, err)

	got := expectEvent(t, inB)
	require.NotNil(t, got.rev)
	assert.Equal(t, int64(42), got.rev.UpdatedAt)
}

func TestPublishOnClosedEndpoint(t *testing.T) {
	bus := NewHub().Connect()
	require.NoError(t, bus.Close())
	err := bus.Publish(context.Background(), Envelope{})
	assert.ErrorIs(t, err, ErrBusClosed)
}
