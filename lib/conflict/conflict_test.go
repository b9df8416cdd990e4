package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/docstore/memstore"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rev(token string, updatedAt int64, body string) model.Revision {
	return model.Revision{Rev: token, UpdatedAt: updatedAt, Body: json.RawMessage(body)}
}

func TestLaterTimestampWins(t *testing.T) {
	r := New()
	older := rev("2-aaaa", 100, `{"title":"old"}`)
	newer := rev("2-bbbb", 105, `{"title":"new"}`)

	rec, err := r.Resolve("proj-2", model.ClassProject, []model.Revision{older, newer})
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, rec.Rule)
	assert.Equal(t, "2-bbbb", rec.WinningRevision)
	assert.Equal(t, []string{"2-aaaa"}, rec.DiscardedRevisions)
	require.Len(t, rec.Discarded, 1)
	assert.JSONEq(t, `{"title":"old"}`, string(rec.Discarded[0].Body))
	assert.JSONEq(t, `{"title":"new"}`, string(rec.ResolvedBody()))
}

func TestStoreRevisionCounterIsIgnored(t *testing.T) {
	r := New()
	// higher generation but older write time
	rec, err := r.Resolve("t", model.ClassTask, []model.Revision{
		rev("9-ffff", 100, `{}`),
		rev("2-0000", 200, `{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "2-0000", rec.WinningRevision)
}

func TestTieBreaksOnGreaterToken(t *testing.T) {
	r := New()
	rec, err := r.Resolve("t", model.ClassTask, []model.Revision{
		rev("3-abc", 100, `{"v":1}`),
		rev("3-abd", 100, `{"v":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "3-abd", rec.WinningRevision)
}

func TestResolveIsOrderIndependentAndIdempotent(t *testing.T) {
	r := New()
	a := rev("2-aaaa", 100, `{"a":1}`)
	b := rev("2-bbbb", 100, `{"b":1}`)
	c := rev("3-cccc", 90, `{"c":1}`)

	first, err := r.Resolve("doc", model.ClassCanvas, []model.Revision{a, b, c})
	require.NoError(t, err)
	for _, order := range [][]model.Revision{{c, b, a}, {b, a, c}, {a, b, c, a}} {
		again, err := r.Resolve("doc", model.ClassCanvas, order)
		require.NoError(t, err)
		assert.Equal(t, first.WinningRevision, again.WinningRevision)
		assert.Equal(t, first.DiscardedRevisions, again.DiscardedRevisions)
	}
}

func TestMalformedTimestampsRequireManualResolution(t *testing.T) {
	r := New()
	rec, err := r.Resolve("doc", model.ClassTimer, []model.Revision{
		rev("2-aaaa", 0, `{}`),
		rev("2-bbbb", -5, `{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, ManualRequired, rec.Rule)
	assert.Empty(t, rec.WinningRevision)
	assert.Nil(t, rec.ResolvedBody())
	assert.ElementsMatch(t, []string{"2-aaaa", "2-bbbb"}, rec.Leaves())
}

func TestSingleValidTimestampWins(t *testing.T) {
	r := New()
	rec, err := r.Resolve("doc", model.ClassTask, []model.Revision{
		rev("2-zzzz", 0, `{}`),
		rev("2-aaaa", 1, `{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, rec.Rule)
	assert.Equal(t, "2-aaaa", rec.WinningRevision)
}

func TestNeedsTwoDistinctLeaves(t *testing.T) {
	r := New()
	a := rev("2-aaaa", 1, `{}`)
	_, err := r.Resolve("doc", model.ClassTask, []model.Revision{a})
	assert.Error(t, err)
	_, err = r.Resolve("doc", model.ClassTask, []model.Revision{a, a})
	assert.Error(t, err)
}

func TestSettingsAreFieldMerged(t *testing.T) {
	r := New()
	rec, err := r.Resolve("settings", model.ClassSettings, []model.Revision{
		rev("2-aaaa", 100, `{"theme":"dark","lang":"de"}`),
		rev("2-bbbb", 200, `{"theme":"light","sound":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, FieldMerge, rec.Rule)
	assert.Equal(t, "2-bbbb", rec.WinningRevision)
	assert.JSONEq(t, `{"theme":"light","lang":"de","sound":true}`, string(rec.ResolvedBody()))
}

func TestFieldMergeFallsBackToLastWriteWins(t *testing.T) {
	r := New()

	// nothing to add from the loser
	rec, err := r.Resolve("settings", model.ClassSettings, []model.Revision{
		rev("2-aaaa", 100, `{"theme":"dark"}`),
		rev("2-bbbb", 200, `{"theme":"light"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, rec.Rule)

	// not an object
	rec, err = r.Resolve("settings", model.ClassSettings, []model.Revision{
		rev("2-aaaa", 100, `[1]`),
		rev("2-bbbb", 200, `{"theme":"light"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, LastWriteWins, rec.Rule)
}

func TestAuditLogRingAndPersistence(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	store := memstore.NewMemStore(c)
	defer store.Close()

	log := NewAuditLog(store, 3, 0, c)
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, Record{DocumentID: string(rune('a' + i)), ResolvedAt: c.Now()}))
	}
	recs := log.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "c", recs[0].DocumentID)
	assert.Equal(t, "e", recs[2].DocumentID)

	reloaded := NewAuditLog(store, 3, 0, c)
	require.NoError(t, reloaded.Load(ctx))
	ids := func(rs []Record) []string {
		out := make([]string, len(rs))
		for i, r := range rs {
			out[i] = r.DocumentID
		}
		return out
	}
	assert.Equal(t, ids(recs), ids(reloaded.Records()))

	found, ok := reloaded.Find("d")
	require.True(t, ok)
	assert.Equal(t, "d", found.DocumentID)
	_, ok = reloaded.Find("a")
	assert.False(t, ok)
}

func TestAuditLogMaxAge(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(time.Unix(1_000, 0))
	log := NewAuditLog(nil, 0, time.Hour, c)

	require.NoError(t, log.Append(ctx, Record{DocumentID: "old", ResolvedAt: c.Now()}))
	c.Advance(2 * time.Hour)
	require.NoError(t, log.Append(ctx, Record{DocumentID: "new", ResolvedAt: c.Now()}))

	recs := log.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].DocumentID)
}
