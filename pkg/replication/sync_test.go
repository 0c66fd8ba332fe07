package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/storage"
)

type fakeSyncTransport struct {
	mu     sync.Mutex
	roots  [][]byte
	leaves [][]byte
}

func (f *fakeSyncTransport) PublishSyncRoot(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, payload)
	return nil
}

func (f *fakeSyncTransport) PublishSyncLeaves(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, payload)
	return nil
}

func newSyncEngine(t *testing.T, nodeID string) *storage.Engine {
	t.Helper()
	e, err := storage.NewEngine(storage.Config{
		NodeID: nodeID,
		Now:    func() time.Time { return time.UnixMilli(100_000) },
	})
	require.NoError(t, err)
	return e
}

func TestReceiveRootIgnoresSelfEcho(t *testing.T) {
	e := newSyncEngine(t, "node-a")
	tr := &fakeSyncTransport{}
	sm := NewSyncManager(e, "node-a", tr, zerolog.Nop())

	root := BuildTree(e.Snapshot()).Root()
	msg := rootMessage{NodeID: "node-a", Root: root[:]}
	payload, err := cbor.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, sm.ReceiveRoot(payload))
	assert.Empty(t, tr.leaves)
}

func TestReceiveRootPublishesLeavesOnMismatch(t *testing.T) {
	e := newSyncEngine(t, "node-a")
	e.Put("k1", "v1")
	tr := &fakeSyncTransport{}
	sm := NewSyncManager(e, "node-a", tr, zerolog.Nop())

	msg := rootMessage{NodeID: "node-b", Root: make([]byte, 32)}
	payload, err := cbor.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, sm.ReceiveRoot(payload))
	assert.NotEmpty(t, tr.leaves)
}

func TestReceiveLeavesDetectsDivergence(t *testing.T) {
	e := newSyncEngine(t, "node-a")
	e.Put("k1", "v1")
	tr := &fakeSyncTransport{}
	sm := NewSyncManager(e, "node-a", tr, zerolog.Nop())

	remoteEngine := newSyncEngine(t, "node-b")
	remoteEngine.Put("k2", "v2")
	remoteTree := BuildTree(remoteEngine.Snapshot())

	wire := make([]wireLeaf, len(remoteTree.Leaves()))
	for i, l := range remoteTree.Leaves() {
		vh := l.VersionHash
		wire[i] = wireLeaf{Key: l.Key, VersionHash: vh[:]}
	}
	payload, err := cbor.Marshal(leafMessage{Leaves: wire})
	require.NoError(t, err)

	diverged, err := sm.ReceiveLeaves(payload)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, diverged)
}
