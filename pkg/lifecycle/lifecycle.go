// Package lifecycle translates coarse application-lifecycle signals
// (the host environment suspending, resuming, or tearing down the
// process) into connect/disconnect decisions for the broker client.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
)

const terminatingFlushBudget = 5 * time.Second

// AppState is a coarse signal from the hosting environment.
type AppState int

const (
	Active AppState = iota
	Paused
	Hidden
	Resumed
	Terminating
)

func (s AppState) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Hidden:
		return "hidden"
	case Resumed:
		return "resumed"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Connector is the subset of the broker client the lifecycle manager drives.
type Connector interface {
	Connect() error
	Disconnect(suppressLWT bool)
	State() broker.State
}

// OutboxFlusher lets the lifecycle manager attempt a best-effort
// replication flush before a graceful shutdown.
type OutboxFlusher interface {
	FlushBestEffort(ctx context.Context)
}

// Manager applies the app-state policy table: ensure connectivity on
// resume, tolerate staying connected while backgrounded unless a power
// hint says otherwise, and wind down gracefully on termination.
type Manager struct {
	connector Connector
	flusher   OutboxFlusher
	logger    zerolog.Logger
	lowPower  atomic.Bool
}

// NewManager builds a Manager. flusher may be nil (no outbox to flush,
// e.g. a replication-disabled deployment).
func NewManager(connector Connector, flusher OutboxFlusher, logger zerolog.Logger) *Manager {
	return &Manager{connector: connector, flusher: flusher, logger: logger}
}

// SetPowerHint records whether the environment currently recommends
// conserving power; it never changes wire semantics on its own, only
// whether a background state disconnects.
func (m *Manager) SetPowerHint(lowPower bool) {
	m.lowPower.Store(lowPower)
}

// HandleAppState applies the policy table for state.
func (m *Manager) HandleAppState(state AppState) error {
	switch state {
	case Active, Resumed:
		if m.connector.State() == broker.Connected {
			return nil
		}
		return m.connector.Connect()

	case Paused, Hidden:
		if m.lowPower.Load() {
			m.connector.Disconnect(true)
		}
		return nil

	case Terminating:
		if m.flusher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), terminatingFlushBudget)
			defer cancel()
			m.flusher.FlushBestEffort(ctx)
		}
		m.connector.Disconnect(true)
		return nil

	default:
		return errs.Validation("appState", int(state), "unrecognized app lifecycle state")
	}
}
