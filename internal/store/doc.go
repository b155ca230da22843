// Package store provides the SQLite-backed document store shared by the
// presence, delivery and reconciliation engines.
//
// The store is collection oriented: every document is a JSON body addressed
// by (collection, id) and stamped with a store-wide change seq. Subscribers
// receive the full current set of a collection once on subscribe and again
// after every change, asynchronously and serialized per subscriber.
//
// # Views
//
// Replication between devices is external to this package. A single Store
// can nevertheless host several local devices (a loopback mesh) through
// View: shared collections are visible to every view, while peer-local
// collections (sync_records, sync_conflicts) are namespaced per device.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - One open connection: SQLite allows a single writer
//
// Handle owns the process-wide Store. Concurrent first callers share one
// in-flight open instead of opening the database file twice.
package store
