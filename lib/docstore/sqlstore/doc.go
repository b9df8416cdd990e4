// Package sqlstore implements docstore.IDocStore on sqlite.
//
// The database runs in WAL mode with a busy timeout so several same-device
// contexts (processes) can share one file: the file is the writer-of-record,
// every write is a single transaction, and SwapMeta runs as a read-compare-write
// inside one transaction, which gives leader election its conditional write.
//
// The change feed is process-local. Contexts in other processes learn about
// writes through the cross-tab bus, or by reading the change log.
//
// sqlite corruption codes (SQLITE_CORRUPT, SQLITE_NOTADB) and undecodable rows
// are reported as RetCCorrupt so the orchestrator can stop syncing.
package sqlstore
