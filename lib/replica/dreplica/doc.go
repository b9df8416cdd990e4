/*
Package dreplica implements a raft-replicated replica on top of dragonboat.

Every replica node runs a ReplicaStateMachine holding an in-memory document
store. Pushes and lease writes go through the raft log (SyncPropose), pulls
and lease loads are linearizable reads (SyncRead). The lease compare-and-swap
is decided inside the state machine, which makes the raft group a strongly
consistent lease store for leader election across devices.

Snapshots are gob dumps of the document store.

Example usage:

	nh, _ := dragonboat.NewNodeHost(nhc)
	_ = nh.StartConcurrentReplica(members, false, dreplica.CreateStateMachineFactory(), rc)
	r := dreplica.New(nh, shardID, 5*time.Second)
	res, err := r.Push(ctx, docs)
*/
package dreplica
