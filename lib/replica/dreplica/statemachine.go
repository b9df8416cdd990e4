package dreplica

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/docstore/memstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/lib/replica/dreplica/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// ReplicaStateMachine is the dragonboat state machine of a replica node.
type ReplicaStateMachine struct {
	replicaID uint64
	shardID   uint64
	store     *memstore.Store
	leases    leader.ILeaseStore
}

// CreateStateMachineFactory returns the factory dragonboat uses to create
// the state machine of a replica node.
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return NewStateMachine(shardID, replicaID)
	}
}

// NewStateMachine creates an empty state machine.
func NewStateMachine(shardID, replicaID uint64) *ReplicaStateMachine {
	store := memstore.NewMemStore(nil)
	return &ReplicaStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		store:     store,
		leases:    leader.NewMetaLeaseStore(store),
	}
}

// LeaseResult is the lookup result of QueryTLeaseLoad.
type LeaseResult struct {
	Lease leader.Lease
	Found bool
}

// Lookup handles read-only queries.
func (fsm *ReplicaStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, docstore.NewError(docstore.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	ctx := context.Background()
	switch q.Type {
	case internal.QueryTPull:
		return replica.ReadChanges(ctx, fsm.store, q.Since, q.Limit)
	case internal.QueryTLeaseLoad:
		lease, found, err := fsm.leases.Load(ctx, q.Key)
		if err != nil {
			return nil, err
		}
		return LeaseResult{Lease: lease, Found: found}, nil
	default:
		return nil, docstore.NewError(docstore.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %s", q.Type))
	}
}

// Update applies committed commands. The result value is a docstore.RetCode,
// the data a JSON encoded result (PushResult, or the swap outcome as bool).
func (fsm *ReplicaStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	ctx := context.Background()
	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(docstore.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(docstore.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		var (
			result any
			err    error
		)
		switch cmd.Type {
		case internal.CommandTPush:
			var docs []model.Document
			if err = json.Unmarshal(cmd.Payload, &docs); err == nil {
				result, err = replica.ApplyPush(ctx, fsm.store, docs)
			}
		case internal.CommandTLeaseCAS:
			var next leader.Lease
			if err = json.Unmarshal(cmd.Payload, &next); err == nil {
				result, err = fsm.leases.CompareAndSwap(ctx, cmd.Key, cmd.ExpectedTerm, next)
			}
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(docstore.RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
			continue
		}
		entries[idx].Result = encodeResult(result, err)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot is not used, snapshots are fuzzy.
func (fsm *ReplicaStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot writes the document store to the writer.
func (fsm *ReplicaStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	return fsm.store.Save(writer)
}

// RecoverFromSnapshot replaces the document store with a snapshot.
func (fsm *ReplicaStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	return fsm.store.Load(r)
}

// Close releases the document store.
func (fsm *ReplicaStateMachine) Close() error {
	return fsm.store.Close()
}

func encodeResult(result any, err error) sm.Result {
	if err != nil {
		if de, ok := err.(*docstore.Error); ok {
			return sm.Result{Value: uint64(de.Code), Data: []byte(de.Msg)}
		}
		return sm.Result{Value: uint64(docstore.RetCInvalidOperation), Data: []byte(err.Error())}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return sm.Result{Value: uint64(docstore.RetCInternalError), Data: []byte(err.Error())}
	}
	return sm.Result{Value: uint64(docstore.RetCSuccess), Data: data}
}
