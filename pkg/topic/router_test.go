package topic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/stream"
)

type fakeSession struct {
	subscribed []string
	published  []string
	states     *stream.Stream[broker.State]
	subacks    *stream.Stream[string]
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		states:  stream.New[broker.State](),
		subacks: stream.New[string](),
	}
}

func (f *fakeSession) Subscribe(filter string, qos byte, handler broker.Handler) error {
	f.subscribed = append(f.subscribed, filter)
	return nil
}

func (f *fakeSession) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeSession) ConnectionState() (<-chan broker.State, func()) {
	return f.states.Subscribe()
}

func (f *fakeSession) OnSubscribed() (<-chan string, func()) {
	return f.subacks.Subscribe()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewBuilder().Endpoint("h", 1883, false).Identity("client-1", "node-1").Build()
	require.NoError(t, err)
	return cfg
}

func newTestRouter(t *testing.T) (*Router, *fakeSession) {
	fs := newFakeSession()
	r := &Router{
		cfg:            testConfig(t),
		client:         fs,
		auth:           NewAuthorizer(testConfig(t)),
		activeFilters:  make(map[string]struct{}),
		restoreTimeout: 50 * time.Millisecond,
		stopCh:         make(chan struct{}),
	}
	r.restoreDone = make(chan struct{})
	close(r.restoreDone)
	return r, fs
}

func TestSubscribeRecordsActiveFilter(t *testing.T) {
	r, fs := newTestRouter(t)
	err := r.Subscribe("merkle_kv/client-1/cmd", func(string, []byte) {})
	require.NoError(t, err)
	assert.Contains(t, fs.subscribed, "merkle_kv/client-1/cmd")
	_, active := r.activeFilters["merkle_kv/client-1/cmd"]
	assert.True(t, active)
}

func TestAwaitRestoreCompletesWhenAllSubacked(t *testing.T) {
	r, fs := newTestRouter(t)
	require.NoError(t, r.Subscribe("f1", func(string, []byte) {}))
	require.NoError(t, r.Subscribe("f2", func(string, []byte) {}))

	r.Start()
	defer r.Stop()

	fs.states.Publish(broker.Connected)
	time.Sleep(5 * time.Millisecond)
	fs.subacks.Publish("f1")
	fs.subacks.Publish("f2")

	err := r.AwaitRestore(200 * time.Millisecond)
	assert.NoError(t, err)
}

func TestAwaitRestoreTimesOutWithMissingSuback(t *testing.T) {
	r, fs := newTestRouter(t)
	require.NoError(t, r.Subscribe("f1", func(string, []byte) {}))
	require.NoError(t, r.Subscribe("f2", func(string, []byte) {}))

	r.Start()
	defer r.Stop()

	fs.states.Publish(broker.Connected)
	fs.subacks.Publish("f1") // f2 never confirmed

	err := r.AwaitRestore(500 * time.Millisecond)
	assert.NoError(t, err, "restore watchdog itself completes (with a logged warning), it does not error")
}

func TestPublishCommandDeniedWithoutController(t *testing.T) {
	r, _ := newTestRouter(t)
	r.cfg.TopicPrefix = "merkle_kv"
	r.auth = NewAuthorizer(r.cfg)

	err := r.PublishCommand("someone-else", []byte("x"))
	assert.Error(t, err)
}

func TestPublishResponseGoesToSelfTopic(t *testing.T) {
	r, fs := newTestRouter(t)
	err := r.PublishResponse([]byte("x"))
	require.NoError(t, err)
	require.Len(t, fs.published, 1)
	assert.Equal(t, "merkle_kv/client-1/res", fs.published[0])
}
