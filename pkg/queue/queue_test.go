package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

func op(id string, priority model.Priority, queuedAtMs int64) model.QueuedOperation {
	return model.QueuedOperation{
		OpID:       id,
		OpType:     model.OpSet,
		Priority:   priority,
		Payload:    model.CommandEnvelope{ID: id, Op: model.OpSet, Key: id, Value: "v"},
		QueuedAtMs: queuedAtMs,
	}
}

func newTestQueue(t *testing.T, cfg Config, now Clock) *Queue {
	t.Helper()
	q, err := New(cfg, nil, now, zerolog.Nop())
	require.NoError(t, err)
	return q
}

func TestDrainOrdersByPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 10, BatchSize: 10}, func() time.Time { return time.UnixMilli(1000) })

	require.NoError(t, q.Enqueue(op("low-1", model.PriorityLow, 0)))
	require.NoError(t, q.Enqueue(op("high-1", model.PriorityHigh, 0)))
	require.NoError(t, q.Enqueue(op("normal-1", model.PriorityNormal, 0)))
	require.NoError(t, q.Enqueue(op("high-2", model.PriorityHigh, 0)))

	batch := q.DrainBatch(10)
	ids := make([]string, len(batch))
	for i, o := range batch {
		ids[i] = o.OpID
	}
	assert.Equal(t, []string{"high-1", "high-2", "normal-1", "low-1"}, ids)
}

func TestEvictsLowBeforeNormalNeverHigh(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 2, BatchSize: 10}, func() time.Time { return time.UnixMilli(1000) })

	require.NoError(t, q.Enqueue(op("low-1", model.PriorityLow, 0)))
	require.NoError(t, q.Enqueue(op("high-1", model.PriorityHigh, 0)))
	require.NoError(t, q.Enqueue(op("high-2", model.PriorityHigh, 0))) // evicts low-1

	batch := q.DrainBatch(10)
	ids := make([]string, len(batch))
	for i, o := range batch {
		ids[i] = o.OpID
	}
	assert.ElementsMatch(t, []string{"high-1", "high-2"}, ids)
}

func TestQueueFullWhenOnlyHighRemains(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 1, BatchSize: 10}, func() time.Time { return time.UnixMilli(1000) })

	require.NoError(t, q.Enqueue(op("high-1", model.PriorityHigh, 0)))
	err := q.Enqueue(op("high-2", model.PriorityHigh, 0))
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.KindConnection))
}

func TestExpirySweepOnEnqueueDropsStaleOps(t *testing.T) {
	clock := time.UnixMilli(1000)
	q := newTestQueue(t, Config{MaxOps: 10, MaxAge: time.Hour, BatchSize: 10}, func() time.Time { return clock })

	require.NoError(t, q.Enqueue(op("stale", model.PriorityNormal, 0)))

	clock = time.UnixMilli(0).Add(2 * time.Hour).Add(1000 * time.Millisecond)
	require.NoError(t, q.Enqueue(op("fresh", model.PriorityNormal, clock.UnixMilli())))

	batch := q.DrainBatch(10)
	ids := make([]string, len(batch))
	for i, o := range batch {
		ids[i] = o.OpID
	}
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestStatsReflectsQueueContents(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 10, BatchSize: 10}, func() time.Time { return time.UnixMilli(5000) })
	require.NoError(t, q.Enqueue(op("a", model.PriorityHigh, 1000)))
	require.NoError(t, q.Enqueue(op("b", model.PriorityLow, 2000)))

	stats := q.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByPriority["high"])
	assert.Equal(t, 1, stats.ByPriority["low"])
}

type fakeDispatcher struct {
	dispatched []string
	failIDs    map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, op model.QueuedOperation) error {
	if f.failIDs[op.OpID] {
		return assert.AnError
	}
	f.dispatched = append(f.dispatched, op.OpID)
	return nil
}

func TestDrainOnConnectDispatchesInPriorityOrder(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 10, BatchSize: 2}, func() time.Time { return time.UnixMilli(1000) })
	require.NoError(t, q.Enqueue(op("low-1", model.PriorityLow, 0)))
	require.NoError(t, q.Enqueue(op("high-1", model.PriorityHigh, 0)))

	disp := &fakeDispatcher{}
	q.DrainOnConnect(context.Background(), disp)

	assert.Equal(t, []string{"high-1", "low-1"}, disp.dispatched)
	assert.Equal(t, 2, q.Stats().Processed)
}

func TestDrainOnConnectCountsFailures(t *testing.T) {
	q := newTestQueue(t, Config{MaxOps: 10, BatchSize: 2}, func() time.Time { return time.UnixMilli(1000) })
	require.NoError(t, q.Enqueue(op("bad-1", model.PriorityHigh, 0)))

	disp := &fakeDispatcher{failIDs: map[string]bool{"bad-1": true}}
	q.DrainOnConnect(context.Background(), disp)

	assert.Equal(t, 1, q.Stats().Failed)
}

func TestDurablePersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	q, err := New(Config{MaxOps: 10, BatchSize: 10}, store, func() time.Time { return time.UnixMilli(1000) }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(op("durable-1", model.PriorityHigh, 0)))
	require.NoError(t, store.Close())

	reopenedStore, err := OpenStore(path)
	require.NoError(t, err)
	defer reopenedStore.Close()
	reopened, err := New(Config{MaxOps: 10, BatchSize: 10}, reopenedStore, func() time.Time { return time.UnixMilli(1000) }, zerolog.Nop())
	require.NoError(t, err)

	batch := reopened.DrainBatch(10)
	require.Len(t, batch, 1)
	assert.Equal(t, "durable-1", batch[0].OpID)
}
