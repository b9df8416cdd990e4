package dreplica

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/lib/replica/dreplica/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(t *testing.T, cmd internal.Command) sm.Entry {
	t.Helper()
	return sm.Entry{Cmd: cmd.Serialize()}
}

func pushCmd(t *testing.T, docs ...model.Document) internal.Command {
	t.Helper()
	payload, err := json.Marshal(docs)
	require.NoError(t, err)
	return internal.Command{Type: internal.CommandTPush, Payload: payload}
}

func casCmd(t *testing.T, key string, expected uint64, next leader.Lease) internal.Command {
	t.Helper()
	payload, err := json.Marshal(next)
	require.NoError(t, err)
	return internal.Command{Type: internal.CommandTLeaseCAS, Key: key, ExpectedTerm: expected, Payload: payload}
}

func testDoc(id string, body string) model.Document {
	raw := json.RawMessage(body)
	return model.Document{
		ID:    id,
		Class: model.ClassTask,
		Revision: model.Revision{
			Rev:       docstore.NewRev(1, "", nil, 10, raw),
			UpdatedAt: 10,
			Body:      raw,
		},
	}
}

func TestPushAndPull(t *testing.T) {
	fsm := NewStateMachine(1, 1)
	defer fsm.Close()

	out, err := fsm.Update([]sm.Entry{entry(t, pushCmd(t, testDoc("task-1", `{"a":1}`), model.Document{ID: "bad"}))})
	require.NoError(t, err)
	require.Equal(t, uint64(docstore.RetCSuccess), out[0].Result.Value)

	var res replica.PushResult
	require.NoError(t, json.Unmarshal(out[0].Result.Data, &res))
	assert.Equal(t, []string{"task-1"}, res.Accepted)
	assert.Equal(t, []string{"bad"}, res.Rejected)

	got, err := fsm.Lookup(internal.Query{Type: internal.QueryTPull, Limit: 10})
	require.NoError(t, err)
	page, ok := got.(replica.PullResult)
	require.True(t, ok)
	require.Len(t, page.Documents, 1)
	assert.Equal(t, "task-1", page.Documents[0].ID)
	assert.Equal(t, uint64(1), page.Checkpoint)
}

func TestLeaseCompareAndSwap(t *testing.T) {
	fsm := NewStateMachine(1, 1)
	defer fsm.Close()

	now := time.Unix(1_000, 0).UTC()
	first := leader.Lease{Key: "timer", OwnerID: "a", AcquiredAt: now, ExpiresAt: now.Add(10 * time.Second), Term: 1}
	rival := leader.Lease{Key: "timer", OwnerID: "b", AcquiredAt: now, ExpiresAt: now.Add(10 * time.Second), Term: 1}

	out, err := fsm.Update([]sm.Entry{
		entry(t, casCmd(t, "timer", 0, first)),
		entry(t, casCmd(t, "timer", 0, rival)),
	})
	require.NoError(t, err)
	assert.Equal(t, "true", string(out[0].Result.Data))
	assert.Equal(t, "false", string(out[1].Result.Data))

	got, err := fsm.Lookup(internal.Query{Type: internal.QueryTLeaseLoad, Key: "timer"})
	require.NoError(t, err)
	res := got.(LeaseResult)
	assert.True(t, res.Found)
	assert.Equal(t, "a", res.Lease.OwnerID)
}

func TestInvalidEntries(t *testing.T) {
	fsm := NewStateMachine(1, 1)
	defer fsm.Close()

	out, err := fsm.Update([]sm.Entry{
		{Cmd: nil},
		{Cmd: []byte{1}},
		entry(t, internal.Command{Type: 99}),
		entry(t, internal.Command{Type: internal.CommandTPush, Payload: []byte("not json")}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(docstore.RetCInvalidOperation), out[0].Result.Value)
	assert.Equal(t, uint64(docstore.RetCInternalError), out[1].Result.Value)
	assert.Equal(t, uint64(docstore.RetCInvalidOperation), out[2].Result.Value)
	assert.Equal(t, uint64(docstore.RetCInvalidOperation), out[3].Result.Value)

	_, err = fsm.Lookup("wrong type")
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	fsm := NewStateMachine(1, 1)
	defer fsm.Close()
	_, err := fsm.Update([]sm.Entry{entry(t, pushCmd(t, testDoc("task-1", `{"a":1}`)))})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, fsm.SaveSnapshot(nil, &buf, nil, nil))

	restored := NewStateMachine(1, 2)
	defer restored.Close()
	require.NoError(t, restored.RecoverFromSnapshot(&buf, nil, nil))

	doc, found, err := restored.store.Get(context.Background(), "task-1", false)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(doc.Revision.Body))
}
