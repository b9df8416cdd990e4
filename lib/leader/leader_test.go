package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/docstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, c clock.Clock) ILeaseStore {
	t.Helper()
	store := memstore.NewMemStore(c)
	t.Cleanup(func() { _ = store.Close() })
	return NewMetaLeaseStore(store)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := newTestStore(t, c)

	const contexts = 8
	handles := make([]*Handle, contexts)
	var wg sync.WaitGroup
	for i := 0; i < contexts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := NewElector(store, "", DefaultConfig(), c).TryAcquire(ctx, "timer")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, h := range handles {
		if h != nil {
			winners++
			assert.Equal(t, uint64(1), h.Term())
		}
	}
	assert.Equal(t, 1, winners)
}

func TestExpiredLeaseIsTakenOverWithNextTerm(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := newTestStore(t, c)
	cfg := DefaultConfig()

	a := NewElector(store, "tab-a", cfg, c)
	b := NewElector(store, "tab-b", cfg, c)

	var lost []Lease
	a.OnLeadershipLost(func(l Lease) { lost = append(lost, l) })

	ha, err := a.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	require.NotNil(t, ha)
	assert.Equal(t, uint64(1), ha.Term())

	hb, err := b.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	assert.Nil(t, hb)

	// heartbeats keep the lease alive well past its initial duration
	c.Advance(25 * time.Second)
	require.True(t, ha.Valid())
	hb, err = b.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	assert.Nil(t, hb)

	// the owner stops heartbeating
	ha.stopHeartbeat()
	c.Advance(cfg.LeaseDuration + cfg.Heartbeat)

	assert.False(t, ha.Valid())
	select {
	case <-ha.Done():
	default:
		t.Fatal("handle not ended after expiry")
	}
	require.Len(t, lost, 1)
	assert.Equal(t, "timer", lost[0].Key)

	hb, err = b.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, uint64(2), hb.Term())
	assert.Equal(t, "tab-b", hb.Lease().OwnerID)

	// the former owner can no longer renew
	assert.False(t, a.Renew(ctx, ha))
}

func TestRenewFailsAfterTakeover(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := newTestStore(t, c)
	cfg := DefaultConfig()

	a := NewElector(store, "tab-a", cfg, c)
	ha, err := a.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	require.NotNil(t, ha)

	// another context writes a newer term directly
	swapped, err := store.CompareAndSwap(ctx, "sync", 1, Lease{Key: "sync", OwnerID: "intruder", Term: 2, ExpiresAt: c.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.True(t, swapped)

	lostCh := make(chan Lease, 1)
	a.OnLeadershipLost(func(l Lease) { lostCh <- l })
	assert.False(t, a.Renew(ctx, ha))
	assert.Equal(t, uint64(1), (<-lostCh).Term)
	_, held := a.Held("sync")
	assert.False(t, held)
}

func TestReleaseKeepsTermAndAllowsImmediateAcquire(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := newTestStore(t, c)

	a := NewElector(store, "tab-a", DefaultConfig(), c)
	b := NewElector(store, "tab-b", DefaultConfig(), c)

	var lostCalls int
	a.OnLeadershipLost(func(Lease) { lostCalls++ })

	ha, err := a.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, ha))
	require.NoError(t, a.Release(ctx, ha))

	stored, found, err := store.Load(ctx, "timer")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), stored.Term)
	assert.False(t, stored.ValidAt(c.Now()))

	hb, err := b.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, uint64(2), hb.Term())
	assert.Equal(t, 0, lostCalls)
}

func TestTryAcquireReturnsHeldHandle(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	e := NewElector(newTestStore(t, c), "tab-a", DefaultConfig(), c)

	h1, err := e.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	h2, err := e.TryAcquire(ctx, "timer")
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	require.NoError(t, e.Close(ctx))
	_, held := e.Held("timer")
	assert.False(t, held)
}

func TestTermsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := newTestStore(t, c)

	var last uint64
	for i := 0; i < 5; i++ {
		e := NewElector(store, "", DefaultConfig(), c)
		h, err := e.TryAcquire(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Greater(t, h.Term(), last)
		last = h.Term()
		require.NoError(t, e.Release(ctx, h))
	}
}

// flakyLeaseStore fails the next n CompareAndSwap calls with a store error.
type flakyLeaseStore struct {
	ILeaseStore
	failures atomic.Int32
}

func (f *flakyLeaseStore) CompareAndSwap(ctx context.Context, key string, expectedTerm uint64, next Lease) (bool, error) {
	if f.failures.Add(-1) >= 0 {
		return false, errors.New("store unavailable")
	}
	return f.ILeaseStore.CompareAndSwap(ctx, key, expectedTerm, next)
}

func TestHeartbeatSurvivesTransientRenewError(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := &flakyLeaseStore{ILeaseStore: newTestStore(t, c)}
	cfg := DefaultConfig()

	e := NewElector(store, "tab-a", cfg, c)
	var lostCalls atomic.Int32
	e.OnLeadershipLost(func(Lease) { lostCalls.Add(1) })

	h, err := e.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	require.NotNil(t, h)
	firstExpiry := h.Lease().ExpiresAt

	// the first heartbeat hits a store error, the following ones succeed
	store.failures.Store(1)
	c.Advance(cfg.Heartbeat)
	assert.Equal(t, firstExpiry, h.Lease().ExpiresAt)
	require.True(t, h.Valid())

	c.Advance(cfg.Heartbeat)
	assert.True(t, h.Lease().ExpiresAt.After(firstExpiry))

	c.Advance(10 * cfg.LeaseDuration)
	assert.True(t, h.Valid())
	_, held := e.Held("sync")
	assert.True(t, held)
	assert.Equal(t, int32(0), lostCalls.Load())
}

func TestPersistentRenewErrorLosesLeaseAtExpiry(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := &flakyLeaseStore{ILeaseStore: newTestStore(t, c)}
	cfg := DefaultConfig()

	e := NewElector(store, "tab-a", cfg, c)
	lostCh := make(chan Lease, 1)
	e.OnLeadershipLost(func(l Lease) { lostCh <- l })

	h, err := e.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	require.NotNil(t, h)

	store.failures.Store(1_000)
	c.Advance(cfg.LeaseDuration - time.Millisecond)
	assert.True(t, h.Valid())
	assert.Empty(t, lostCh)

	c.Advance(time.Millisecond)
	assert.False(t, h.Valid())
	assert.Equal(t, uint64(1), (<-lostCh).Term)
}
