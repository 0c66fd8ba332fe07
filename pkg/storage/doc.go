/*
Package storage implements the node's versioned key/value table: an
in-memory map of key to VersionedEntry, an optional append-only bbolt
journal for durability across restarts, and a tombstone garbage
collector.

Every write — local or replicated — goes through the same merge rule:
an incoming version replaces the stored one only if it is strictly
greater under last-writer-wins (timestampMs, nodeId) order; otherwise
it is discarded. This makes Put, Delete, and ApplyRemote the same
operation with different callers.

The table is sharded by key hash into a fixed number of stripes, each
guarded by its own mutex, so operations on distinct keys never contend.
Whole-table operations (GC, key count, snapshotting for anti-entropy)
visit the stripes in index order, holding one stripe lock at a time;
journal replay goes through the ordinary per-key merge.
*/
package storage
