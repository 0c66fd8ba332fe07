package topic

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/log"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
)

const defaultRestoreTimeout = 750 * time.Millisecond

// session is the subset of broker.Client the router depends on, kept
// narrow so tests can substitute a fake connection.
type session interface {
	Subscribe(filter string, qos byte, handler broker.Handler) error
	Publish(topic string, payload []byte, qos byte, retain bool) error
	ConnectionState() (<-chan broker.State, func())
	OnSubscribed() (<-chan string, func())
}

// ConnectionState exposes the underlying broker client's connection
// state broadcast, letting the correlator and other components watch
// disconnects without depending on broker.Client directly.
func (r *Router) ConnectionState() (<-chan broker.State, func()) {
	return r.client.ConnectionState()
}

// Router owns the set of active subscriptions, authorizes every
// publish/subscribe action, and tracks subscription restoration after a
// reconnect so higher layers can wait for it deterministically.
type Router struct {
	cfg    *config.Config
	client session
	auth   *Authorizer
	logger zerolog.Logger

	mu            sync.Mutex
	activeFilters map[string]struct{}
	pending       map[string]struct{}
	restoreDone   chan struct{}

	restoreTimeout time.Duration
	stopCh         chan struct{}
}

// NewRouter builds a Router bound to client.
func NewRouter(cfg *config.Config, client *broker.Client, logger zerolog.Logger) *Router {
	r := &Router{
		cfg:            cfg,
		client:         client,
		auth:           NewAuthorizer(cfg),
		logger:         logger,
		activeFilters:  make(map[string]struct{}),
		restoreTimeout: defaultRestoreTimeout,
		stopCh:         make(chan struct{}),
	}
	r.restoreDone = make(chan struct{})
	close(r.restoreDone) // nothing to restore until the first Connected transition
	metrics.RegisterComponent("router", true, "")
	return r
}

// Start begins watching the broker client's connection state to drive
// restoration bookkeeping. It does not block.
func (r *Router) Start() {
	states, cancelStates := r.client.ConnectionState()
	subacks, cancelSubacks := r.client.OnSubscribed()

	go func() {
		defer cancelStates()
		defer cancelSubacks()
		for {
			select {
			case <-r.stopCh:
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				if s == broker.Connected {
					r.beginRestore()
				}
			case filter, ok := <-subacks:
				if !ok {
					return
				}
				r.markRestored(filter)
			}
		}
	}()
}

// Stop halts the background watcher goroutine.
func (r *Router) Stop() {
	close(r.stopCh)
}

func (r *Router) beginRestore() {
	r.mu.Lock()
	pending := make(map[string]struct{}, len(r.activeFilters))
	for f := range r.activeFilters {
		pending[f] = struct{}{}
	}
	r.pending = pending
	done := make(chan struct{})
	r.restoreDone = done
	r.mu.Unlock()

	if len(pending) == 0 {
		close(done)
		return
	}

	go func() {
		timer := time.NewTimer(r.restoreTimeout)
		defer timer.Stop()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-timer.C:
				r.mu.Lock()
				remaining := len(r.pending)
				r.mu.Unlock()
				if remaining > 0 {
					r.logger.Warn().Int("remaining", remaining).Msg("subscription restore timed out")
					metrics.UpdateComponent("router", false, "subscription restore timed out")
				}
				closeOnce(done)
				return
			case <-ticker.C:
				r.mu.Lock()
				empty := len(r.pending) == 0
				r.mu.Unlock()
				if empty {
					metrics.UpdateComponent("router", true, "")
					closeOnce(done)
					return
				}
			}
		}
	}()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Router) markRestored(filter string) {
	r.mu.Lock()
	delete(r.pending, filter)
	r.mu.Unlock()
}

// AwaitRestore blocks until every filter active before the last
// reconnect has been confirmed by SUBACK, or timeout elapses.
func (r *Router) AwaitRestore(timeout time.Duration) error {
	r.mu.Lock()
	done := r.restoreDone
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errs.Timeout("awaitRestore", timeout.Milliseconds())
	}
}

// Subscribe registers handler on filter via the broker client and
// records filter as active for future restoration.
func (r *Router) Subscribe(filter string, handler broker.Handler) error {
	if err := r.client.Subscribe(filter, 1, handler); err != nil {
		return err
	}
	r.mu.Lock()
	r.activeFilters[filter] = struct{}{}
	r.mu.Unlock()
	return nil
}

// SubscribeCommands subscribes to this node's own command topic.
func (r *Router) SubscribeCommands(handler broker.Handler) error {
	t, err := CommandTopic(r.cfg.TopicPrefix, r.cfg.ClientID)
	if err != nil {
		return err
	}
	return r.Subscribe(t, handler)
}

// SubscribeResponses subscribes to target's response topic, after
// authorization.
func (r *Router) SubscribeResponses(target string, handler broker.Handler) error {
	if err := r.auth.CanSubscribeResponses(target); err != nil {
		return err
	}
	t, err := ResponseTopic(r.cfg.TopicPrefix, target)
	if err != nil {
		return err
	}
	return r.Subscribe(t, handler)
}

// SubscribeReplication subscribes to the cluster-wide replication
// topic, when this node's replication access permits receiving events.
func (r *Router) SubscribeReplication(handler broker.Handler) error {
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthReplication()
	}
	t, err := ReplicationTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.Subscribe(t, handler)
}

// PublishCommand authorizes and publishes payload to target's command topic.
func (r *Router) PublishCommand(target string, payload []byte) error {
	if err := r.auth.CanPublishCommand(target); err != nil {
		log.WithClientID(target).Warn().Err(err).Msg("command publish rejected")
		return err
	}
	t, err := CommandTopic(r.cfg.TopicPrefix, target)
	if err != nil {
		return err
	}
	return r.client.Publish(t, payload, 1, false)
}

// PublishResponse publishes payload to this node's own response topic.
func (r *Router) PublishResponse(payload []byte) error {
	if err := r.auth.CanPublishResponse(); err != nil {
		return err
	}
	t, err := ResponseTopic(r.cfg.TopicPrefix, r.cfg.ClientID)
	if err != nil {
		return err
	}
	return r.client.Publish(t, payload, 1, false)
}

// PublishReplication authorizes and publishes a replication event.
func (r *Router) PublishReplication(payload []byte) error {
	if err := r.auth.CanPublishReplication(); err != nil {
		return err
	}
	t, err := ReplicationTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.client.Publish(t, payload, 1, false)
}

// SubscribeReplicationEvents is an alias of SubscribeReplication kept
// for symmetry with the sync subscriptions below; both gate on the same
// replication access check.
func (r *Router) SubscribeReplicationEvents(handler broker.Handler) error {
	return r.SubscribeReplication(handler)
}

// PublishSyncRoot authorizes (as a replication publish) and publishes
// an anti-entropy root digest.
func (r *Router) PublishSyncRoot(payload []byte) error {
	if err := r.auth.CanPublishReplication(); err != nil {
		return err
	}
	t, err := SyncRootTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.client.Publish(t, payload, 1, false)
}

// PublishSyncLeaves authorizes and publishes a chunk of the anti-entropy
// leaf exchange.
func (r *Router) PublishSyncLeaves(payload []byte) error {
	if err := r.auth.CanPublishReplication(); err != nil {
		return err
	}
	t, err := SyncLeavesTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.client.Publish(t, payload, 1, false)
}

// SubscribeSyncRoot subscribes to the cluster-wide anti-entropy root topic.
func (r *Router) SubscribeSyncRoot(handler broker.Handler) error {
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthReplication()
	}
	t, err := SyncRootTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.Subscribe(t, handler)
}

// SubscribeSyncLeaves subscribes to the cluster-wide anti-entropy leaf topic.
func (r *Router) SubscribeSyncLeaves(handler broker.Handler) error {
	if r.cfg.ReplicationAccess == config.ReplicationNone {
		return errs.AuthReplication()
	}
	t, err := SyncLeavesTopic(r.cfg.TopicPrefix)
	if err != nil {
		return err
	}
	return r.Subscribe(t, handler)
}
