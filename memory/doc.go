// Package memory keeps several heterogeneous stores consistent.
//
// A Manager owns a registry of named stores and one synchronization manager.
// Records are written to one store and reach the others through syncs,
// propagated updates or queued updates. Conflicting copies are resolved by
// last-writer-wins on CreatedAt.
//
// Architecture:
//   - core: Record, Query and the Store capability interfaces
//   - memory/store/*: adapters (memstore, graph, sqlstore, chromem, blob)
//   - memory/txn: native and snapshot transaction contexts
//   - memory/syncer: sync, transactions, update queue, cross-store query
//   - memory/cache: LRU cache for cross-store query results
//
// Stores with native transactions (graph, sqlstore) are committed by the
// store itself. Every other store is snapshotted when a transaction begins
// and restored from the snapshot on rollback.
package memory
