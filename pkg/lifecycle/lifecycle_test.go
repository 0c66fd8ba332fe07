package lifecycle

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
)

type fakeConnector struct {
	state           broker.State
	connectCalls    int
	disconnectCalls []bool // recorded suppressLWT argument per call
	connectErr      error
}

func (f *fakeConnector) Connect() error {
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = broker.Connected
	return nil
}

func (f *fakeConnector) Disconnect(suppressLWT bool) {
	f.disconnectCalls = append(f.disconnectCalls, suppressLWT)
	f.state = broker.Disconnected
}

func (f *fakeConnector) State() broker.State {
	return f.state
}

type fakeFlusher struct {
	flushCalls int
}

func (f *fakeFlusher) FlushBestEffort(ctx context.Context) {
	f.flushCalls++
}

func TestActiveConnectsWhenDisconnected(t *testing.T) {
	conn := &fakeConnector{state: broker.Disconnected}
	mgr := NewManager(conn, nil, zerolog.Nop())

	require.NoError(t, mgr.HandleAppState(Active))
	assert.Equal(t, 1, conn.connectCalls)
	assert.Equal(t, broker.Connected, conn.state)
}

func TestResumedIsNoOpWhenAlreadyConnected(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	mgr := NewManager(conn, nil, zerolog.Nop())

	require.NoError(t, mgr.HandleAppState(Resumed))
	assert.Equal(t, 0, conn.connectCalls)
}

func TestPausedStaysConnectedWithoutPowerHint(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	mgr := NewManager(conn, nil, zerolog.Nop())

	require.NoError(t, mgr.HandleAppState(Paused))
	assert.Empty(t, conn.disconnectCalls)
	assert.Equal(t, broker.Connected, conn.state)
}

func TestHiddenDisconnectsWithSuppressedLWTUnderPowerHint(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	mgr := NewManager(conn, nil, zerolog.Nop())
	mgr.SetPowerHint(true)

	require.NoError(t, mgr.HandleAppState(Hidden))
	require.Len(t, conn.disconnectCalls, 1)
	assert.True(t, conn.disconnectCalls[0])
}

func TestTerminatingFlushesThenDisconnects(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	flusher := &fakeFlusher{}
	mgr := NewManager(conn, flusher, zerolog.Nop())

	require.NoError(t, mgr.HandleAppState(Terminating))
	assert.Equal(t, 1, flusher.flushCalls)
	require.Len(t, conn.disconnectCalls, 1)
	assert.True(t, conn.disconnectCalls[0])
}

func TestTerminatingWithoutFlusherStillDisconnects(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	mgr := NewManager(conn, nil, zerolog.Nop())

	require.NoError(t, mgr.HandleAppState(Terminating))
	require.Len(t, conn.disconnectCalls, 1)
}

func TestUnrecognizedStateReturnsValidationError(t *testing.T) {
	conn := &fakeConnector{state: broker.Connected}
	mgr := NewManager(conn, nil, zerolog.Nop())

	err := mgr.HandleAppState(AppState(99))
	require.Error(t, err)
}
