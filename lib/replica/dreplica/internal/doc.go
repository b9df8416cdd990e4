// Package internal defines the raft log entries (commands) and read-only
// queries of the dreplica state machine.
//
// Commands are proposed through the raft log and must be serialized:
//
//	+--------+------------------+-------------+----------+-----------------+
//	| Type   | ExpectedTerm     | Key Length  | Key      | Payload         |
//	| 1 byte | 8 bytes (BE)     | 4 bytes (BE)| N bytes  | remaining bytes |
//	+--------+------------------+-------------+----------+-----------------+
//
// The payload is JSON (the pushed documents or the next lease), since
// document bodies are JSON already.
//
// Queries are executed on the local state machine and are passed as plain
// Go values.
package internal
