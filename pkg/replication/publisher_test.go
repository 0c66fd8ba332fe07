package replication

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

type fakeReplicationTransport struct {
	mu        sync.Mutex
	published [][]byte
	failNext  int
}

func (f *fakeReplicationTransport) PublishReplication(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return assert.AnError
	}
	f.published = append(f.published, payload)
	return nil
}

func (f *fakeReplicationTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestPublishEnqueuesAndDrains(t *testing.T) {
	o, err := OpenOutbox("")
	require.NoError(t, err)
	tr := &fakeReplicationTransport{}
	p := NewPublisher(o, tr, zerolog.Nop())
	p.pollInterval = 5 * time.Millisecond

	entry := &model.VersionedEntry{Key: "k1", Value: strPtr("v1"), Version: model.Version{TimestampMs: 1, NodeID: "node-a"}}
	p.Publish(entry)
	assert.Equal(t, 1, o.Depth())

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return tr.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, o.Depth())
}

func TestPublisherRetriesOnTransientFailure(t *testing.T) {
	o, err := OpenOutbox("")
	require.NoError(t, err)
	tr := &fakeReplicationTransport{failNext: 2}
	p := NewPublisher(o, tr, zerolog.Nop())
	p.pollInterval = 2 * time.Millisecond

	p.Publish(&model.VersionedEntry{Key: "k1", Value: strPtr("v1"), Version: model.Version{TimestampMs: 1, NodeID: "node-a"}})

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return tr.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, o.Depth())
}

func strPtr(s string) *string { return &s }
