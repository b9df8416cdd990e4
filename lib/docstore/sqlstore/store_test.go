package sqlstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dSync/lib/docstore"
	dstesting "github.com/ValentinKolb/dSync/lib/docstore/testing"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dsync.db"), nil)
	require.NoError(t, err)
	return s
}

func TestSQLStore(t *testing.T) {
	dstesting.RunDocStoreTests(t, "sqlstore", func(t *testing.T) docstore.IDocStore {
		return openTemp(t)
	})
}

func TestReopenKeepsDocumentsAndMeta(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dsync.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	revs, err := s.Put(ctx, []docstore.PutRequest{
		{ID: "settings", Class: model.ClassSettings, Body: json.RawMessage(`{"theme":"dark"}`), UpdatedAt: 5},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)
	require.NoError(t, s.PutMeta(ctx, "breaker/RemotePush", []byte(`{"status":"Open"}`)))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	doc, found, err := s.Get(ctx, "settings", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, revs[0], doc.Revision.Rev)
	assert.Equal(t, model.ClassSettings, doc.Class)

	v, found, err := s.GetMeta(ctx, "breaker/RemotePush")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"status":"Open"}`, string(v))
	require.NoError(t, s.Check(ctx))
}

func TestTwoHandlesShareOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := Open(path, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path, nil)
	require.NoError(t, err)
	defer b.Close()

	ok, err := a.SwapMeta(ctx, "lease/timer", nil, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.SwapMeta(ctx, "lease/timer", nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Put(ctx, []docstore.PutRequest{
		{ID: "task-7", Class: model.ClassTask, Body: json.RawMessage(`{"n":1}`), UpdatedAt: 1},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)

	doc, found, err := b.Get(ctx, "task-7", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"n":1}`, string(doc.Revision.Body))
}

func TestUndecodableTreeIsCorruption(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	defer s.Close()

	_, err := s.db.Exec("INSERT INTO docs (id, class, tree) VALUES ('bad', 1, 'not json')")
	require.NoError(t, err)

	_, _, err = s.Get(ctx, "bad", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreCorrupt)
}

func TestGarbageFileIsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	garbage := bytes.Repeat([]byte("not a sqlite database "), 512)
	require.NoError(t, os.WriteFile(path, garbage, 0o600))

	_, err := Open(path, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrStoreCorrupt)
}
