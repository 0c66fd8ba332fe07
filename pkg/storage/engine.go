package storage

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

const defaultNumShards = 64

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Config configures a new Engine.
type Config struct {
	NodeID             string
	NumShards          int
	TombstoneRetention time.Duration
	SkewMaxFuture      time.Duration
	Journal            *Journal
	Now                Clock
}

// Engine is the in-memory, sharded, versioned key/value table described
// by the storage engine component. Keys are distributed across a fixed
// number of stripes by hash so that operations on distinct keys never
// contend on the same mutex.
type Engine struct {
	nodeID             string
	shards             []*shard
	journal            *Journal
	now                Clock
	tombstoneRetention time.Duration
	skewMaxFuture      time.Duration
	seq                atomic.Uint64
	lastActivityMs     atomic.Uint64
	nextLocalMs        atomic.Uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*model.VersionedEntry
}

// NewEngine constructs an Engine, replaying its journal (if any) first.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NumShards <= 0 {
		cfg.NumShards = defaultNumShards
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = model.DefaultTombstoneRetention
	}
	if cfg.SkewMaxFuture <= 0 {
		cfg.SkewMaxFuture = model.DefaultSkewMaxFutureMs * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	shards := make([]*shard, cfg.NumShards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*model.VersionedEntry)}
	}

	e := &Engine{
		nodeID:             cfg.NodeID,
		shards:             shards,
		journal:            cfg.Journal,
		now:                cfg.Now,
		tombstoneRetention: cfg.TombstoneRetention,
		skewMaxFuture:      cfg.SkewMaxFuture,
	}

	if cfg.Journal != nil {
		if err := cfg.Journal.Replay(e); err != nil {
			metrics.UpdateComponent("storage", false, "journal replay failed")
			return nil, errs.Storage("journal replay", err)
		}
	}

	metrics.UpdateComponent("storage", true, "")
	return e, nil
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// nextVersion stamps a local write with the current ms, or one past the
// previous local stamp if the clock has not advanced, so consecutive
// local writes carry strictly increasing versions.
func (e *Engine) nextVersion() model.Version {
	for {
		floor := e.nextLocalMs.Load()
		ts := max(uint64(e.now().UnixMilli()), floor)
		if e.nextLocalMs.CompareAndSwap(floor, ts+1) {
			return model.Version{TimestampMs: ts, NodeID: e.nodeID}
		}
	}
}

// nextSequence returns a per-node, monotonically increasing counter
// stamped on every locally originated write, independent of wall-clock
// time. It has no role in LWW merge (Version alone decides that) and
// exists so downstream consumers can order this node's own writes.
func (e *Engine) nextSequence() uint64 {
	return e.seq.Add(1)
}

func (e *Engine) markActivity(tsMs uint64) {
	for {
		cur := e.lastActivityMs.Load()
		if tsMs <= cur {
			return
		}
		if e.lastActivityMs.CompareAndSwap(cur, tsMs) {
			return
		}
	}
}

// Get returns the live value for key, or ok=false if absent/tombstoned.
func (e *Engine) Get(key string) (string, bool) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	entry, exists := sh.entries[key]
	if !exists || entry.IsTombstone() {
		return "", false
	}
	return *entry.Value, true
}

// merge applies entry under the last-writer-wins rule, replacing the
// stored record only if entry's version strictly supersedes it. Returns
// whether the write was applied.
func (e *Engine) merge(entry *model.VersionedEntry) bool {
	sh := e.shardFor(entry.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, exists := sh.entries[entry.Key]
	if exists && !entry.Version.After(existing.Version) {
		return false
	}
	sh.entries[entry.Key] = entry
	e.markActivity(entry.Version.TimestampMs)

	if e.journal != nil {
		if err := e.journal.Append(entry); err != nil {
			// Storage errors degrade to a warning; in-memory state remains authoritative.
			_ = errs.Storage("journal append", err)
			metrics.UpdateComponent("storage", false, "journal append failed")
		}
	}
	return true
}

// Put performs a local SET, generating a fresh version stamped with this
// node's id and the current time (see nextVersion).
func (e *Engine) Put(key, value string) *model.VersionedEntry {
	entry := &model.VersionedEntry{
		Key:      key,
		Value:    &value,
		Version:  e.nextVersion(),
		Sequence: e.nextSequence(),
	}
	e.merge(entry)
	return entry
}

// Delete performs a local DELETE, storing a tombstone. Deleting an
// absent key is idempotent and always succeeds.
func (e *Engine) Delete(key string) *model.VersionedEntry {
	entry := &model.VersionedEntry{
		Key:       key,
		Value:     nil,
		Version:   e.nextVersion(),
		Tombstone: true,
		Sequence:  e.nextSequence(),
	}
	e.merge(entry)
	return entry
}

// ApplyRemote merges an inbound replication event under LWW, after
// rejecting clock-skewed events per the data model invariant. It does
// not check for self-echo or oversized payloads: the replication
// applier (component H) drops self-echoes, and the codec rejects
// oversized events while decoding.
func (e *Engine) ApplyRemote(evt model.ReplicationEvent) (bool, error) {
	nowMs := uint64(e.now().UnixMilli())
	maxFutureMs := uint64(e.skewMaxFuture.Milliseconds())
	if evt.TimestampMs > nowMs+maxFutureMs {
		return false, errs.Validation("timestampMs", evt.TimestampMs, "event timestamp too far in the future")
	}

	entry := evt.ToEntry()
	applied := e.merge(entry)
	return applied, nil
}

// Incr atomically adds delta to the integer stored at key (default
// base 0 if missing/tombstoned), returning the resulting entry and value.
func (e *Engine) Incr(key string, delta int64) (*model.VersionedEntry, int64, error) {
	return e.rmwInt(key, delta)
}

// Decr is Incr with the sign of delta flipped.
func (e *Engine) Decr(key string, delta int64) (*model.VersionedEntry, int64, error) {
	return e.rmwInt(key, -delta)
}

func (e *Engine) rmwInt(key string, delta int64) (*model.VersionedEntry, int64, error) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current int64
	if existing, ok := sh.entries[key]; ok && !existing.IsTombstone() {
		n, err := parseInt64(*existing.Value)
		if err != nil {
			return nil, 0, errs.InvalidType(key)
		}
		current = n
	}

	next, overflow := addOverflow(current, delta)
	if overflow {
		return nil, 0, errs.RangeOverflow(key)
	}

	value := formatInt64(next)
	entry := &model.VersionedEntry{
		Key:      key,
		Value:    &value,
		Version:  e.nextVersion(),
		Sequence: e.nextSequence(),
	}
	sh.entries[key] = entry
	e.markActivity(entry.Version.TimestampMs)
	if e.journal != nil {
		_ = e.journal.Append(entry)
	}
	return entry, next, nil
}

// Append concatenates value onto (or Prepend before) the string stored
// at key, returning the resulting entry and its new length in bytes.
func (e *Engine) Append(key, value string, prepend bool) (*model.VersionedEntry, int, error) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current string
	if existing, ok := sh.entries[key]; ok && !existing.IsTombstone() {
		current = *existing.Value
	}

	var result string
	if prepend {
		result = value + current
	} else {
		result = current + value
	}
	if len(result) > model.MaxValueBytes {
		return nil, 0, errs.PayloadTooLarge("value", len(result), model.MaxValueBytes)
	}

	entry := &model.VersionedEntry{
		Key:      key,
		Value:    &result,
		Version:  e.nextVersion(),
		Sequence: e.nextSequence(),
	}
	sh.entries[key] = entry
	e.markActivity(entry.Version.TimestampMs)
	if e.journal != nil {
		_ = e.journal.Append(entry)
	}
	return entry, len(result), nil
}

// GCTombstones drops tombstones older than the retention window, using
// the later of the configured static retention and the time since the
// last observed cluster activity (local or remote write), so a peer
// returning from a long outage cannot resurrect a deletion via stale
// anti-entropy exchange.
func (e *Engine) GCTombstones(now time.Time) int {
	retentionMs := uint64(e.tombstoneRetention.Milliseconds())
	lastActivity := e.lastActivityMs.Load()
	sinceActivityMs := uint64(0)
	if nowMs := uint64(now.UnixMilli()); nowMs > lastActivity {
		sinceActivityMs = nowMs - lastActivity
	}
	effectiveRetention := retentionMs
	if sinceActivityMs > effectiveRetention {
		effectiveRetention = sinceActivityMs
	}

	cutoff := uint64(now.UnixMilli())
	if cutoff < effectiveRetention {
		return 0
	}
	cutoff -= effectiveRetention

	var collected int
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, entry := range sh.entries {
			if entry.IsTombstone() && entry.Version.TimestampMs < cutoff {
				delete(sh.entries, key)
				collected++
				if e.journal != nil {
					_ = e.journal.Delete(key)
				}
			}
		}
		sh.mu.Unlock()
	}
	return collected
}

// KeyCount returns the number of live (non-tombstoned) keys.
func (e *Engine) KeyCount() int {
	var count int
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, entry := range sh.entries {
			if !entry.IsTombstone() {
				count++
			}
		}
		sh.mu.Unlock()
	}
	return count
}

// Snapshot returns every entry (live and tombstoned), for anti-entropy
// Merkle tree construction. Order is unspecified.
func (e *Engine) Snapshot() []*model.VersionedEntry {
	var out []*model.VersionedEntry
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, entry := range sh.entries {
			out = append(out, entry)
		}
		sh.mu.Unlock()
	}
	return out
}
