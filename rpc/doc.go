// Package rpc connects dSync contexts to a dSync server, which hosts the
// remote replica, the leases for leader election across processes and the
// cross-tab hub.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, server and client configuration, and the
//     logger factory.
//
//   - transport: Network communication abstractions, implemented over HTTP.
//
//   - serializer: Message serialization (JSON, GOB).
//
//   - client: replica.IReplica and leader.ILeaseStore implementations on a server.
//
//   - server: the server hosting replica shards, the tab hub and /metrics.
package rpc
