package testing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty store for one test.
type Factory func(t *testing.T) docstore.IDocStore

// RunDocStoreTests runs the conformance suite against an implementation.
func RunDocStoreTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGet", func(t *testing.T) {
			testPutGet(t, factory(t))
		})
		t.Run("BulkPutIsAtomic", func(t *testing.T) {
			testBulkPutIsAtomic(t, factory(t))
		})
		t.Run("WriteConflict", func(t *testing.T) {
			testWriteConflict(t, factory(t))
		})
		t.Run("IdenticalPutIsNoop", func(t *testing.T) {
			testIdenticalPutIsNoop(t, factory(t))
		})
		t.Run("ApplyRevisionsCreatesConflicts", func(t *testing.T) {
			testApplyRevisionsCreatesConflicts(t, factory(t))
		})
		t.Run("ResolutionClosesLeaves", func(t *testing.T) {
			testResolutionClosesLeaves(t, factory(t))
		})
		t.Run("ChangeFeedCarriesOrigin", func(t *testing.T) {
			testChangeFeedCarriesOrigin(t, factory(t))
		})
		t.Run("ChangesExcludeOrigin", func(t *testing.T) {
			testChangesExcludeOrigin(t, factory(t))
		})
		t.Run("Meta", func(t *testing.T) {
			testMeta(t, factory(t))
		})
		t.Run("SwapMetaSingleWinner", func(t *testing.T) {
			testSwapMetaSingleWinner(t, factory(t))
		})
	})
}

func body(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func put(t *testing.T, s docstore.IDocStore, req docstore.PutRequest) string {
	t.Helper()
	revs, err := s.Put(context.Background(), []docstore.PutRequest{req}, model.OriginLocal, "tab-a")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	return revs[0]
}

func testPutGet(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	_, found, err := s.Get(ctx, "task-1", false)
	require.NoError(t, err)
	assert.False(t, found)

	rev1 := put(t, s, docstore.PutRequest{ID: "task-1", Class: model.ClassTask, Body: body(map[string]any{"title": "a"}), UpdatedAt: 100})
	gen, err := docstore.RevGeneration(rev1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	rev2 := put(t, s, docstore.PutRequest{ID: "task-1", Class: model.ClassTask, Body: body(map[string]any{"title": "b"}), UpdatedAt: 200})
	gen, _ = docstore.RevGeneration(rev2)
	assert.Equal(t, uint64(2), gen)

	doc, found, err := s.Get(ctx, "task-1", true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.ClassTask, doc.Class)
	assert.Equal(t, rev2, doc.Revision.Rev)
	assert.Equal(t, rev1, doc.Revision.Parent)
	assert.Equal(t, int64(200), doc.Revision.UpdatedAt)
	assert.JSONEq(t, `{"title":"b"}`, string(doc.Revision.Body))
	assert.Empty(t, doc.Conflicts)
}

func testBulkPutIsAtomic(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.Put(ctx, []docstore.PutRequest{
		{ID: "a", Class: model.ClassTask, Body: body(1), UpdatedAt: 1},
		{ID: "b", Class: model.ClassTask, Body: json.RawMessage("{not json"), UpdatedAt: 1},
	}, model.OriginLocal, "tab-a")
	require.Error(t, err)

	_, found, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, found, "a failed batch must not leave partial writes")

	revs, err := s.Put(ctx, []docstore.PutRequest{
		{ID: "a", Class: model.ClassTask, Body: body(1), UpdatedAt: 1},
		{ID: "a", Class: model.ClassTask, Body: body(2), UpdatedAt: 2},
		{ID: "b", Class: model.ClassProject, Body: body(3), UpdatedAt: 3},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)
	require.Len(t, revs, 3)

	doc, _, err := s.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.Equal(t, revs[1], doc.Revision.Rev)
	assert.Equal(t, revs[0], doc.Revision.Parent)
}

func testWriteConflict(t *testing.T, s docstore.IDocStore) {
	defer s.Close()

	rev1 := put(t, s, docstore.PutRequest{ID: "doc", Class: model.ClassTask, Body: body("v1"), UpdatedAt: 1})
	put(t, s, docstore.PutRequest{ID: "doc", Class: model.ClassTask, Body: body("v2"), UpdatedAt: 2, BaseRev: rev1})

	_, err := s.Put(context.Background(), []docstore.PutRequest{
		{ID: "doc", Class: model.ClassTask, Body: body("v3"), UpdatedAt: 3, BaseRev: rev1},
	}, model.OriginLocal, "tab-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrWriteConflict), "stale base revision must report a write conflict, got %v", err)

	var dsErr *docstore.Error
	require.True(t, errors.As(err, &dsErr))
	assert.Equal(t, docstore.RetCWriteConflict, dsErr.Code)
}

func testIdenticalPutIsNoop(t *testing.T, s docstore.IDocStore) {
	defer s.Close()

	rev1 := put(t, s, docstore.PutRequest{ID: "doc", Class: model.ClassTask, Body: body("v1"), UpdatedAt: 1})

	var events []model.RawEvent
	var mu sync.Mutex
	unsub := s.Subscribe(func(ev model.RawEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsub()

	// a root write with the same content on an empty tree is what another replica would produce
	other := docstore.NewRev(1, "", nil, 1, body("v1"))
	assert.Equal(t, rev1, other)

	changed, err := s.ApplyRevisions(context.Background(), []model.Document{{
		ID: "doc", Class: model.ClassTask,
		Revision: model.Revision{Rev: rev1, UpdatedAt: 1, Body: body("v1")},
	}}, model.OriginRemotePull, "remote")
	require.NoError(t, err)
	assert.Empty(t, changed)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, events, "known revisions must not produce change events")
}

func testApplyRevisionsCreatesConflicts(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	root := put(t, s, docstore.PutRequest{ID: "proj-2", Class: model.ClassProject, Body: body("root"), UpdatedAt: 50})
	local := put(t, s, docstore.PutRequest{ID: "proj-2", Class: model.ClassProject, Body: body("local"), UpdatedAt: 100})

	remote := model.Revision{
		Rev:       docstore.NewRev(2, root, nil, 105, body("remote")),
		Parent:    root,
		UpdatedAt: 105,
		Body:      body("remote"),
	}
	changed, err := s.ApplyRevisions(ctx, []model.Document{{ID: "proj-2", Class: model.ClassProject, Revision: remote}},
		model.OriginRemotePull, "remote")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-2"}, changed)

	doc, found, err := s.Get(ctx, "proj-2", true)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, doc.Conflicts, 1)

	leaves := map[string]bool{}
	for _, leaf := range doc.Leaves() {
		leaves[leaf.Rev] = true
	}
	assert.True(t, leaves[local])
	assert.True(t, leaves[remote.Rev])

	withoutConflicts, _, err := s.Get(ctx, "proj-2", false)
	require.NoError(t, err)
	assert.Empty(t, withoutConflicts.Conflicts)
	assert.Equal(t, doc.Revision.Rev, withoutConflicts.Revision.Rev)
}

func testResolutionClosesLeaves(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	root := put(t, s, docstore.PutRequest{ID: "doc", Class: model.ClassTask, Body: body("root"), UpdatedAt: 1})
	a := put(t, s, docstore.PutRequest{ID: "doc", Class: model.ClassTask, Body: body("a"), UpdatedAt: 10})
	b := model.Revision{Rev: docstore.NewRev(2, root, nil, 20, body("b")), Parent: root, UpdatedAt: 20, Body: body("b")}
	_, err := s.ApplyRevisions(ctx, []model.Document{{ID: "doc", Revision: b}}, model.OriginRemotePull, "remote")
	require.NoError(t, err)

	resolved := put(t, s, docstore.PutRequest{
		ID: "doc", Class: model.ClassTask, Body: b.Body, UpdatedAt: b.UpdatedAt,
		BaseRev: b.Rev, Supersedes: []string{a},
	})

	doc, _, err := s.Get(ctx, "doc", true)
	require.NoError(t, err)
	assert.Empty(t, doc.Conflicts)
	assert.Equal(t, resolved, doc.Revision.Rev)
	assert.Equal(t, []string{a}, doc.Revision.Supersedes)

	// the same resolution computed elsewhere has the same token
	expected := docstore.NewRev(3, b.Rev, []string{a}, b.UpdatedAt, b.Body)
	assert.Equal(t, expected, resolved)
}

func testChangeFeedCarriesOrigin(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	var mu sync.Mutex
	var events []model.RawEvent
	unsub := s.Subscribe(func(ev model.RawEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := s.Put(ctx, []docstore.PutRequest{
		{ID: "x", Class: model.ClassTimer, Body: body(1), UpdatedAt: 1},
		{ID: "y", Class: model.ClassTimer, Body: body(2), UpdatedAt: 2},
	}, model.OriginLocal, "tab-a")
	require.NoError(t, err)

	_, err = s.Put(ctx, []docstore.PutRequest{{ID: "x", Class: model.ClassTimer, Body: body(3), UpdatedAt: 3}}, model.OriginCrossTab, "tab-b")
	require.NoError(t, err)

	unsub()
	_, err = s.Put(ctx, []docstore.PutRequest{{ID: "z", Class: model.ClassTimer, Body: body(4), UpdatedAt: 4}}, model.OriginLocal, "tab-a")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "x", events[0].DocumentID)
	assert.Equal(t, "y", events[1].DocumentID)
	assert.Equal(t, model.OriginLocal, events[1].Origin)
	assert.Equal(t, "tab-a", events[1].WriterID)
	assert.Equal(t, model.OriginCrossTab, events[2].Origin)
	assert.Equal(t, "tab-b", events[2].WriterID)
	assert.Equal(t, model.ClassTimer, events[2].Class)
	assert.Less(t, events[0].Seq, events[1].Seq)
	assert.Less(t, events[1].Seq, events[2].Seq)
}

func testChangesExcludeOrigin(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	put(t, s, docstore.PutRequest{ID: "local-1", Class: model.ClassTask, Body: body(1), UpdatedAt: 1})
	remote := model.Revision{Rev: docstore.NewRev(1, "", nil, 2, body(2)), UpdatedAt: 2, Body: body(2)}
	_, err := s.ApplyRevisions(ctx, []model.Document{{ID: "remote-1", Class: model.ClassTask, Revision: remote}}, model.OriginRemotePull, "remote")
	require.NoError(t, err)
	put(t, s, docstore.PutRequest{ID: "local-2", Class: model.ClassTask, Body: body(3), UpdatedAt: 3})

	all, last, err := s.Changes(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, all[2].Seq, last)

	pushable, lastPushable, err := s.Changes(ctx, 0, 0, model.OriginRemotePull)
	require.NoError(t, err)
	require.Len(t, pushable, 2)
	assert.Equal(t, "local-1", pushable[0].DocumentID)
	assert.Equal(t, "local-2", pushable[1].DocumentID)
	assert.Equal(t, last, lastPushable)

	page, pageLast, err := s.Changes(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, page[0].Seq, pageLast)

	rest, _, err := s.Changes(ctx, pageLast, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func testMeta(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	_, found, err := s.GetMeta(ctx, "checkpoint/pull")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutMeta(ctx, "checkpoint/pull", []byte("42")))
	require.NoError(t, s.PutMeta(ctx, "checkpoint/pull", []byte("43")))
	v, found, err := s.GetMeta(ctx, "checkpoint/pull")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "43", string(v))

	swapped, err := s.SwapMeta(ctx, "lease/timer", nil, []byte("one"))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.SwapMeta(ctx, "lease/timer", nil, []byte("two"))
	require.NoError(t, err)
	assert.False(t, swapped, "absent-precondition must fail when the key exists")

	swapped, err = s.SwapMeta(ctx, "lease/timer", []byte("stale"), []byte("two"))
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.SwapMeta(ctx, "lease/timer", []byte("one"), []byte("two"))
	require.NoError(t, err)
	assert.True(t, swapped)

	v, _, err = s.GetMeta(ctx, "lease/timer")
	require.NoError(t, err)
	assert.Equal(t, "two", string(v))
}

func testSwapMetaSingleWinner(t *testing.T, s docstore.IDocStore) {
	ctx := context.Background()
	defer s.Close()

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SwapMeta(ctx, "lease/replication", nil, []byte(fmt.Sprintf("owner-%d", i)))
			if err != nil {
				t.Errorf("swap failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
