/*
Package leader implements lease based leader election between contexts that
share a strongly consistent lease store.

A lease is acquired by a conditional write of term+1 that only succeeds if the
stored lease is absent or expired and nobody else wrote a newer term in the
meantime. Terms therefore strictly increase per key and at most one context
holds a valid lease at any instant. The holder renews the lease with a
heartbeat; a context that misses its renewal deadline loses leadership and
the lease simply expires for everyone else. There is no failure detector.

Lease stores:
  - NewMetaLeaseStore: leases in the meta namespace of a docstore (contexts
    sharing one durable store)
  - rpc/client: leases on a dSync server lease shard
  - dreplica: leases replicated through raft
*/
package leader
