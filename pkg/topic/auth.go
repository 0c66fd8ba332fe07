package topic

import (
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
)

const canonicalPrefix = "merkle_kv"

// Authorizer enforces the client-side ACL table from the topic scheme.
// Denials are only enforced when the configured prefix normalizes to
// the canonical "merkle_kv" prefix; any other prefix runs open.
type Authorizer struct {
	cfg *config.Config
}

// NewAuthorizer builds an Authorizer bound to cfg.
func NewAuthorizer(cfg *config.Config) *Authorizer {
	return &Authorizer{cfg: cfg}
}

func (a *Authorizer) enforced() bool {
	return a.cfg.TopicPrefix == canonicalPrefix
}

func (a *Authorizer) record(action, outcome string) {
	metrics.AuthDecisionsTotal.WithLabelValues(action, outcome).Inc()
}

// CanPublishCommand reports whether this node may publish a command to
// target's command topic.
func (a *Authorizer) CanPublishCommand(target string) error {
	if !a.enforced() || a.cfg.IsController || target == a.cfg.ClientID {
		a.record("publish_command", "allowed")
		return nil
	}
	a.record("publish_command", "denied")
	return errs.AuthCommand(target)
}

// CanPublishResponse always succeeds: a client only ever publishes to
// its own response topic.
func (a *Authorizer) CanPublishResponse() error {
	a.record("publish_response", "allowed")
	return nil
}

// CanPublishReplication reports whether this node may publish
// replication events.
func (a *Authorizer) CanPublishReplication() error {
	if !a.enforced() || a.cfg.ReplicationAccess == config.ReplicationReadWrite {
		a.record("publish_replication", "allowed")
		return nil
	}
	a.record("publish_replication", "denied")
	return errs.AuthReplication()
}

// CanSubscribeResponses reports whether this node may subscribe to
// target's response topic.
func (a *Authorizer) CanSubscribeResponses(target string) error {
	if !a.enforced() || a.cfg.IsController || target == a.cfg.ClientID {
		a.record("subscribe_response", "allowed")
		return nil
	}
	a.record("subscribe_response", "denied")
	return errs.AuthResponseSubscribe(target)
}
