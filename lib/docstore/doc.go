// Package docstore defines the Durable Store Adapter consumed by the sync core:
// a document store keyed by id, where every document carries a small revision
// tree ("lite": leaves plus the set of known revision tokens), and every write
// is tagged with the origin and writer that produced it.
//
// Key Components:
//
//   - IDocStore: the store contract (bulk put, revision merge, conflict-aware
//     get, change log, change feed, meta namespace with compare-and-swap).
//
//   - Tree: the revision tree shared by all implementations. Revision tokens
//     are "<generation>-<hash>" where the hash covers the parent, the closed
//     leaves, the write timestamp and the body, so two replicas that produce
//     the same resolution produce the same token and converge without
//     re-conflicting.
//
//   - Feed: an ordered fan-out used by implementations to deliver RawEvents in
//     commit order.
//
//   - Error: return code plus message, unwrapping to the model error taxonomy
//     (write conflict, corruption, transient unavailability).
//
// Implementations:
//
//   - memstore: in-memory, with gob snapshots (used by replicas and tests).
//   - sqlstore: durable sqlite store shared by same-device contexts.
//
// The conformance suite in docstore/testing is run against both.
package docstore
