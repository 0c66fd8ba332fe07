package broker

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/stream"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func immediateToken(err error) *fakeToken {
	ch := make(chan struct{})
	close(ch)
	return &fakeToken{err: err, done: ch}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeSession struct {
	connected    bool
	publishCalls []struct {
		topic   string
		retain  bool
		payload []byte
	}
	subscribeCalls []string
	connectErr     error
}

func (f *fakeSession) Connect() mqtt.Token {
	f.connected = f.connectErr == nil
	return immediateToken(f.connectErr)
}

func (f *fakeSession) Disconnect(quiesce uint) { f.connected = false }

func (f *fakeSession) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	buf, _ := payload.([]byte)
	f.publishCalls = append(f.publishCalls, struct {
		topic   string
		retain  bool
		payload []byte
	}{topic, retained, buf})
	return immediateToken(nil)
}

func (f *fakeSession) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.subscribeCalls = append(f.subscribeCalls, topic)
	return immediateToken(nil)
}

func (f *fakeSession) Unsubscribe(topics ...string) mqtt.Token {
	return immediateToken(nil)
}

func (f *fakeSession) IsConnected() bool { return f.connected }

func newTestClient() (*Client, *fakeSession) {
	fs := &fakeSession{}
	c := &Client{
		stateStream:   stream.New[State](),
		subackStream:  stream.New[string](),
		subscriptions: make(map[string]*subscription),
		backoff:       newBackoffPolicy(),
		stopReconnect: make(chan struct{}),
		stopOnce:      &sync.Once{},
		underlying:    fs,
	}
	return c, fs
}

func TestProbeTopicIsAlwaysRetained(t *testing.T) {
	c, fs := newTestClient()
	c.setState(Connected)

	err := c.Publish("merkle_kv/capabilities/probe", []byte("x"), 1, false)
	require.NoError(t, err)
	require.Len(t, fs.publishCalls, 1)
	assert.True(t, fs.publishCalls[0].retain)
}

func TestPublishWhileDisconnectedBuffers(t *testing.T) {
	c, fs := newTestClient()
	// state defaults to Disconnected

	err := c.Publish("merkle_kv/node-a/replication", []byte("x"), 1, false)
	require.NoError(t, err)
	assert.Empty(t, fs.publishCalls, "publish must not reach the session while disconnected")
	assert.Len(t, c.pending, 1)
}

func TestFlushPendingSendsInFIFOOrder(t *testing.T) {
	c, fs := newTestClient()
	c.Publish("t1", []byte("1"), 1, false)
	c.Publish("t2", []byte("2"), 1, false)
	c.Publish("t3", []byte("3"), 1, false)

	c.flushPending()

	require.Len(t, fs.publishCalls, 3)
	assert.Equal(t, "t1", fs.publishCalls[0].topic)
	assert.Equal(t, "t2", fs.publishCalls[1].topic)
	assert.Equal(t, "t3", fs.publishCalls[2].topic)
}

func TestSubscribeDedupesByHandlerIdentity(t *testing.T) {
	c, fs := newTestClient()
	calls := 0
	handler := func(topic string, payload []byte) { calls++ }

	require.NoError(t, c.Subscribe("filter/a", 1, handler))
	require.NoError(t, c.Subscribe("filter/a", 1, handler))

	assert.Len(t, fs.subscribeCalls, 1, "duplicate handler registration must not re-subscribe")
}

func TestSubscribeDistinctHandlersBothRegister(t *testing.T) {
	c, _ := newTestClient()
	var calls []int
	h1 := func(topic string, payload []byte) { calls = append(calls, 1) }
	h2 := func(topic string, payload []byte) { calls = append(calls, 2) }

	require.NoError(t, c.Subscribe("filter/a", 1, h1))
	require.NoError(t, c.Subscribe("filter/a", 1, h2))

	c.dispatch("filter/a", "filter/a", []byte("payload"))
	assert.ElementsMatch(t, []int{1, 2}, calls)
}

func TestUnsubscribeRemovesFilter(t *testing.T) {
	c, _ := newTestClient()
	handler := func(topic string, payload []byte) {}
	require.NoError(t, c.Subscribe("filter/a", 1, handler))

	require.NoError(t, c.Unsubscribe("filter/a"))
	_, ok := c.subscriptions["filter/a"]
	assert.False(t, ok)
}

func TestPublishRejectsRetainOnNonProbeTopic(t *testing.T) {
	c, fs := newTestClient()
	c.setState(Connected)

	err := c.Publish("merkle_kv/node-a/replication/events", []byte("x"), 1, true)
	require.Error(t, err)
	assert.Empty(t, fs.publishCalls)
}

func TestTopicKindMatchesCanonicalSuffixes(t *testing.T) {
	assert.Equal(t, "probe", topicKind("merkle_kv/node-a/capabilities/probe"))
	assert.Equal(t, "replication", topicKind("merkle_kv/replication/events"))
	assert.Equal(t, "command", topicKind("merkle_kv/node-a/cmd"))
	assert.Equal(t, "response", topicKind("merkle_kv/node-a/res"))
	assert.Equal(t, "other", topicKind("merkle_kv/node-a/sync/root"))
}

func TestDisconnectIsSafeToCallTwice(t *testing.T) {
	c, _ := newTestClient()
	c.setState(Connected)

	assert.NotPanics(t, func() {
		c.Disconnect(true)
		c.Disconnect(true)
	})
}

func TestReconnectSurvivesADisconnectThenConnectCycle(t *testing.T) {
	c, _ := newTestClient()
	c.cfg = &config.Config{ConnectionTimeoutSeconds: 1}
	c.setState(Connected)

	c.Disconnect(true)
	closed := c.stopReconnect
	select {
	case <-closed:
	default:
		t.Fatal("expected stopReconnect closed after Disconnect")
	}

	require.NoError(t, c.Connect())
	assert.True(t, closed != c.stopReconnect, "Connect must swap in a fresh stop channel once the old one is closed")

	// A second Disconnect on the fresh channel must not panic.
	assert.NotPanics(t, func() { c.Disconnect(true) })
}
