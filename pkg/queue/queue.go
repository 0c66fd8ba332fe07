// Package queue implements the durable, prioritized, age-bounded
// command backlog consulted while the broker client is disconnected.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/stream"
)

// Clock returns the current time; overridable in tests.
type Clock func() time.Time

// Config bounds a Queue's capacity, retention, and drain batch size.
type Config struct {
	MaxOps    int
	MaxAge    time.Duration
	BatchSize int
}

// Stats is a point-in-time summary of the queue, streamed on every
// change so a UI or lifecycle component can react to backlog growth.
type Stats struct {
	Total        int
	ByPriority   map[string]int
	Processed    int
	Failed       int
	OldestAgeMs  int64
}

type queuedItem struct {
	seq uint64
	op  model.QueuedOperation
}

// Dispatcher is invoked once per drained operation; the caller wires
// this to the correlator so a reconnect replays buffered commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, op model.QueuedOperation) error
}

// Queue is the offline operation backlog: three FIFO lists (High,
// Normal, Low), consulted in that priority order, backed by an
// optional durable Store.
type Queue struct {
	mu sync.Mutex

	cfg    Config
	lists  map[model.Priority]*list.List
	store  *Store
	now    Clock
	logger zerolog.Logger

	processed int
	failed    int

	stats  *stream.Stream[Stats]
	stopCh chan struct{}
}

// New builds a Queue, replaying store's contents (if any) first.
func New(cfg Config, store *Store, now Clock, logger zerolog.Logger) (*Queue, error) {
	if cfg.MaxOps <= 0 {
		cfg.MaxOps = 10_000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if now == nil {
		now = time.Now
	}

	q := &Queue{
		cfg: cfg,
		lists: map[model.Priority]*list.List{
			model.PriorityHigh:   list.New(),
			model.PriorityNormal: list.New(),
			model.PriorityLow:    list.New(),
		},
		store:  store,
		now:    now,
		logger: logger,
		stats:  stream.New[Stats](),
		stopCh: make(chan struct{}),
	}

	if store != nil {
		replayed, err := store.Replay()
		if err != nil {
			return nil, err
		}
		for priority, ops := range replayed {
			for _, so := range ops {
				q.lists[priority].PushBack(queuedItem{seq: so.seq, op: so.op})
			}
		}
	}

	return q, nil
}

// Start launches the hourly expiry sweep.
func (q *Queue) Start() {
	go q.sweepLoop()
}

// Stop ends the expiry sweep.
func (q *Queue) Stop() {
	close(q.stopCh)
}

func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.mu.Lock()
			q.sweepExpiredLocked()
			q.mu.Unlock()
			q.publishStats()
		}
	}
}

// Enqueue buffers op, applying the expiry sweep and capacity eviction
// rules before admitting it.
func (q *Queue) Enqueue(op model.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepExpiredLocked()

	if q.totalLocked() >= q.cfg.MaxOps {
		if !q.evictOneLocked() {
			return errs.Connection("queue_full")
		}
	}

	var seq uint64
	if q.store != nil {
		persisted, err := q.store.Append(op.Priority, op)
		if err != nil {
			q.logger.Warn().Err(err).Str("opId", op.OpID).Msg("queue persistence failed, continuing in-memory only")
		} else {
			seq = persisted
		}
	}

	q.lists[op.Priority].PushBack(queuedItem{seq: seq, op: op})
	q.publishStatsLocked()
	return nil
}

// evictOneLocked drops the oldest Low entry, or failing that the oldest
// Normal entry, to make room. High-priority entries are never evicted.
// Returns false if nothing could be evicted.
func (q *Queue) evictOneLocked() bool {
	for _, priority := range []model.Priority{model.PriorityLow, model.PriorityNormal} {
		l := q.lists[priority]
		if front := l.Front(); front != nil {
			item := front.Value.(queuedItem)
			l.Remove(front)
			if q.store != nil {
				_ = q.store.Remove(priority, item.seq)
			}
			metrics.QueueEvictedTotal.WithLabelValues(priority.String()).Inc()
			return true
		}
	}
	return false
}

func (q *Queue) sweepExpiredLocked() {
	cutoff := q.now().Add(-q.cfg.MaxAge)
	for priority, l := range q.lists {
		for el := l.Front(); el != nil; {
			item := el.Value.(queuedItem)
			if time.UnixMilli(item.op.QueuedAtMs).After(cutoff) {
				break
			}
			next := el.Next()
			l.Remove(el)
			if q.store != nil {
				_ = q.store.Remove(priority, item.seq)
			}
			el = next
		}
	}
}

func (q *Queue) totalLocked() int {
	var n int
	for _, l := range q.lists {
		n += l.Len()
	}
	return n
}

// DrainBatch removes and returns up to n operations in priority order
// (High, then Normal, then Low), FIFO within each level.
func (q *Queue) DrainBatch(n int) []model.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.QueuedOperation
	for _, priority := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		l := q.lists[priority]
		for len(out) < n {
			front := l.Front()
			if front == nil {
				break
			}
			item := front.Value.(queuedItem)
			l.Remove(front)
			if q.store != nil {
				_ = q.store.Remove(priority, item.seq)
			}
			out = append(out, item.op)
		}
		if len(out) >= n {
			break
		}
	}
	q.publishStatsLocked()
	return out
}

// DrainOnConnect dispatches the whole backlog in batches of the
// configured batch size, preserving priority order, stopping early if
// ctx is cancelled.
func (q *Queue) DrainOnConnect(ctx context.Context, dispatcher Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := q.DrainBatch(q.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}

		for _, op := range batch {
			if err := dispatcher.Dispatch(ctx, op); err != nil {
				q.mu.Lock()
				q.failed++
				q.mu.Unlock()
				metrics.QueueFailedTotal.Inc()
				q.logger.Warn().Err(err).Str("opId", op.OpID).Msg("queued operation failed to dispatch")
				continue
			}
			q.mu.Lock()
			q.processed++
			q.mu.Unlock()
			metrics.QueueProcessedTotal.Inc()
		}
		q.publishStats()
	}
}

// DepthByPriority implements metrics.QueueSource for the periodic gauge
// collector.
func (q *Queue) DepthByPriority() map[string]int {
	return q.Stats().ByPriority
}

// Stats returns a snapshot of the queue's current state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Watch subscribes to stats updates, emitted whenever the queue changes.
func (q *Queue) Watch() (<-chan Stats, func()) {
	return q.stats.Subscribe()
}

func (q *Queue) statsLocked() Stats {
	byPriority := make(map[string]int, 3)
	var oldestMs int64
	nowMs := q.now().UnixMilli()
	for priority, l := range q.lists {
		byPriority[priority.String()] = l.Len()
		metrics.QueueDepth.WithLabelValues(priority.String()).Set(float64(l.Len()))
		if front := l.Front(); front != nil {
			age := nowMs - front.Value.(queuedItem).op.QueuedAtMs
			if age > oldestMs {
				oldestMs = age
			}
		}
	}
	return Stats{
		Total:       q.totalLocked(),
		ByPriority:  byPriority,
		Processed:   q.processed,
		Failed:      q.failed,
		OldestAgeMs: oldestMs,
	}
}

func (q *Queue) publishStatsLocked() {
	q.stats.Publish(q.statsLocked())
}

func (q *Queue) publishStats() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.publishStatsLocked()
}
