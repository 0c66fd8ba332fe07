package replication

import (
	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/codec"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/storage"
)

// Applier processes inbound replication events: size and clock-skew
// rejection happen in the codec and storage layers respectively; this
// type adds the one check only it can make, self-echo, then hands the
// event to storage under LWW.
type Applier struct {
	engine *storage.Engine
	nodeID string
	logger zerolog.Logger
}

// NewApplier builds an Applier for events inbound on a node's
// replication subscription.
func NewApplier(engine *storage.Engine, nodeID string, logger zerolog.Logger) *Applier {
	return &Applier{engine: engine, nodeID: nodeID, logger: logger}
}

// Apply decodes and merges one inbound replication event payload. No
// acknowledgement is ever emitted, per the replication protocol.
func (a *Applier) Apply(payload []byte) error {
	evt, err := codec.DecodeEvent(payload)
	if err != nil {
		metrics.EventsRejectedTotal.WithLabelValues("malformed").Inc()
		a.logger.Warn().Err(err).Msg("rejected malformed replication event")
		return err
	}

	if evt.NodeID == a.nodeID {
		metrics.EventsRejectedTotal.WithLabelValues("self_echo").Inc()
		return nil
	}

	applied, err := a.engine.ApplyRemote(evt)
	if err != nil {
		metrics.EventsRejectedTotal.WithLabelValues("skew").Inc()
		a.logger.Warn().Err(err).Str("key", evt.Key).Msg("rejected clock-skewed replication event")
		return err
	}

	if !applied {
		metrics.EventsRejectedTotal.WithLabelValues("stale").Inc()
		return nil
	}

	metrics.EventsAppliedTotal.Inc()
	return nil
}
