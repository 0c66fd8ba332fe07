package replication

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/codec"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/storage"
)

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	e, err := storage.NewEngine(storage.Config{
		NodeID: "node-a",
		Now:    func() time.Time { return time.UnixMilli(100_000) },
	})
	require.NoError(t, err)
	return e
}

func TestApplierAppliesRemoteEvent(t *testing.T) {
	e := newTestEngine(t)
	a := NewApplier(e, "node-a", zerolog.Nop())

	evt := model.ReplicationEvent{Key: "k1", Value: strPtr("v1"), TimestampMs: 50_000, NodeID: "node-b"}
	payload, err := codec.EncodeEvent(evt)
	require.NoError(t, err)

	require.NoError(t, a.Apply(payload))
	v, ok := e.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestApplierRejectsSelfEcho(t *testing.T) {
	e := newTestEngine(t)
	a := NewApplier(e, "node-a", zerolog.Nop())

	evt := model.ReplicationEvent{Key: "k1", Value: strPtr("v1"), TimestampMs: 50_000, NodeID: "node-a"}
	payload, err := codec.EncodeEvent(evt)
	require.NoError(t, err)

	require.NoError(t, a.Apply(payload))
	_, ok := e.Get("k1")
	assert.False(t, ok, "self-echo must never be applied")
}

func TestApplierRejectsMalformedPayload(t *testing.T) {
	e := newTestEngine(t)
	a := NewApplier(e, "node-a", zerolog.Nop())
	assert.Error(t, a.Apply([]byte("not cbor")))
}

func TestApplierRejectsClockSkew(t *testing.T) {
	e := newTestEngine(t)
	a := NewApplier(e, "node-a", zerolog.Nop())

	farFuture := uint64(100_000 + model.DefaultSkewMaxFutureMs + 10_000)
	evt := model.ReplicationEvent{Key: "k1", Value: strPtr("v1"), TimestampMs: farFuture, NodeID: "node-b"}
	payload, err := codec.EncodeEvent(evt)
	require.NoError(t, err)

	assert.Error(t, a.Apply(payload))
}
