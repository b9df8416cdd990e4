// Package memstore implements docstore.IDocStore in memory.
//
// It is used as the backing store of replicas (lreplica, and the raft state
// machine in dreplica, which snapshots it with Save/Load) and by tests. All
// operations are serialized by one RWMutex; the change feed is published while
// the write lock is held so subscribers observe commit order.
package memstore
