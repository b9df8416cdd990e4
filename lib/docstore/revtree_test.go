package docstore

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRevIsDeterministic(t *testing.T) {
	a := NewRev(3, "2-abc", []string{"2-x", "2-y"}, 100, []byte(`{"a":1}`))
	b := NewRev(3, "2-abc", []string{"2-y", "2-x"}, 100, []byte(`{"a":1}`))
	assert.Equal(t, a, b, "superseded order must not matter")

	c := NewRev(3, "2-abc", []string{"2-x", "2-y"}, 101, []byte(`{"a":1}`))
	assert.NotEqual(t, a, c)

	gen, err := RevGeneration(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen)
}

func TestRevGenerationRejectsMalformed(t *testing.T) {
	for _, rev := range []string{"", "abc", "0-abc", "x-abc", "3-"} {
		_, err := RevGeneration(rev)
		assert.Error(t, err, rev)
	}
}

func TestTreeWinnerPrefersGenerationThenToken(t *testing.T) {
	tree := NewTree("doc", model.ClassTask)
	_, err := tree.Apply(model.Revision{Rev: "2-aaa"})
	require.NoError(t, err)
	_, err = tree.Apply(model.Revision{Rev: "2-bbb"})
	require.NoError(t, err)
	_, err = tree.Apply(model.Revision{Rev: "10-000"})
	require.NoError(t, err)

	winner, ok := tree.Winner()
	require.True(t, ok)
	assert.Equal(t, "10-000", winner.Rev, "generation compares numerically")

	doc := tree.Document(true)
	require.Len(t, doc.Conflicts, 2)
	assert.Equal(t, "2-bbb", doc.Conflicts[0].Rev)
	assert.Equal(t, "2-aaa", doc.Conflicts[1].Rev)
}

func TestTreeApplyKnownRevisionIsNoop(t *testing.T) {
	tree := NewTree("doc", model.ClassTask)
	rev, changed, err := tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`1`), UpdatedAt: 1})
	require.NoError(t, err)
	require.True(t, changed)

	applied, err := tree.Apply(rev)
	require.NoError(t, err)
	assert.False(t, applied)

	// an old revision arriving late does not resurrect a closed leaf
	next, _, err := tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`2`), UpdatedAt: 2})
	require.NoError(t, err)
	applied, err = tree.Apply(rev)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, tree.Leaves, 1)
	assert.Contains(t, tree.Leaves, next.Rev)
}

func TestTreePutRejectsInvalidBody(t *testing.T) {
	tree := NewTree("doc", model.ClassTask)
	_, _, err := tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`{`), UpdatedAt: 1})
	require.Error(t, err)
	var dsErr *Error
	require.ErrorAs(t, err, &dsErr)
	assert.Equal(t, RetCInvalidOperation, dsErr.Code)
}

func TestTreePutSupersedingUnknownLeafConflicts(t *testing.T) {
	tree := NewTree("doc", model.ClassTask)
	_, _, err := tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`1`), UpdatedAt: 1})
	require.NoError(t, err)

	_, _, err = tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`2`), UpdatedAt: 2, Supersedes: []string{"1-unknown"}})
	assert.ErrorIs(t, err, model.ErrWriteConflict)
}

func TestTreeApplyClosesStaleLeafThroughAncestors(t *testing.T) {
	writer := NewTree("doc", model.ClassTask)
	r1, _, err := writer.Put(PutRequest{ID: "doc", Body: json.RawMessage(`1`), UpdatedAt: 1})
	require.NoError(t, err)
	r2, _, err := writer.Put(PutRequest{ID: "doc", Body: json.RawMessage(`2`), UpdatedAt: 2})
	require.NoError(t, err)
	r3, _, err := writer.Put(PutRequest{ID: "doc", Body: json.RawMessage(`3`), UpdatedAt: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{r2.Rev, r1.Rev}, r3.Ancestors)

	// the reader saw r1, then only r3 (r2 was coalesced away)
	reader := NewTree("doc", model.ClassTask)
	_, err = reader.Apply(r1)
	require.NoError(t, err)
	_, err = reader.Apply(r3)
	require.NoError(t, err)

	assert.Len(t, reader.Leaves, 1)
	assert.Contains(t, reader.Leaves, r3.Rev)

	// r2 arriving late is recognised as history
	applied, err := reader.Apply(r2)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestTreeAncestorsAreBounded(t *testing.T) {
	tree := NewTree("doc", model.ClassTask)
	var last model.Revision
	for i := 0; i < MaxAncestors+20; i++ {
		rev, _, err := tree.Put(PutRequest{ID: "doc", Body: json.RawMessage(`{"n":` + strconv.Itoa(i) + `}`), UpdatedAt: int64(i + 1)})
		require.NoError(t, err)
		last = rev
	}
	assert.Len(t, last.Ancestors, MaxAncestors)
	assert.Equal(t, last.Parent, last.Ancestors[0])
}
