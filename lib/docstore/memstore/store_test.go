package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dSync/lib/docstore"
	dstesting "github.com/ValentinKolb/dSync/lib/docstore/testing"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	dstesting.RunDocStoreTests(t, "memstore", func(t *testing.T) docstore.IDocStore {
		return NewMemStore(nil)
	})
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	src := NewMemStore(nil)
	revs, err := src.Put(ctx, []docstore.PutRequest{
		{ID: "task-1", Class: model.ClassTask, Body: json.RawMessage(`{"title":"x"}`), UpdatedAt: 10},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)
	require.NoError(t, src.PutMeta(ctx, "checkpoint/push", []byte("1")))

	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))

	dst := NewMemStore(nil)
	require.NoError(t, dst.Load(&buf))

	doc, found, err := dst.Get(ctx, "task-1", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, revs[0], doc.Revision.Rev)

	changes, last, err := dst.Changes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	assert.Equal(t, uint64(1), last)

	v, found, err := dst.GetMeta(ctx, "checkpoint/push")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(v))

	// sequence numbers continue after a restore
	_, err = dst.Put(ctx, []docstore.PutRequest{
		{ID: "task-2", Class: model.ClassTask, Body: json.RawMessage(`{}`), UpdatedAt: 11},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)
	_, last, err = dst.Changes(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func TestLoadGarbageIsCorruption(t *testing.T) {
	err := NewMemStore(nil).Load(bytes.NewReader([]byte("garbage")))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreCorrupt)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	s := NewMemStore(nil)
	require.NoError(t, s.Close())
	_, err := s.Put(context.Background(), []docstore.PutRequest{
		{ID: "a", Class: model.ClassTask, Body: json.RawMessage(`1`), UpdatedAt: 1},
	}, model.OriginLocal, "tab-a")
	assert.ErrorIs(t, err, model.ErrTransientIO)
}
