// Package common provides the data structures shared by the RPC client and
// server.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, with factory
//     functions for every request and response. Errors travel as text plus an
//     ErrCode that restores the model error class on the client.
//
//   - MessageType: Enumeration of the replica operations (push, pull, probe)
//     and lease operations (load, compare-and-swap).
//
//   - ServerConfig: shards, RAFT parameters, storage, endpoint, hub and
//     metrics toggles. Provides the conversion to Dragonboat configurations.
//
//   - ClientConfig: endpoints, timeouts and retries of the client transport.
//
//   - Logger: logger factory installed into Dragonboat, so the sync core and
//     the raft library log in one format.
package common
