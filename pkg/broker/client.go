// Package broker wraps a single MQTT session with the behavior every
// other component depends on: an explicit connection state machine,
// exponential-backoff reconnection, a last-will-and-testament, publish
// buffering while disconnected, and deduplicated multi-handler
// subscriptions.
package broker

import (
	"crypto/tls"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/config"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/security"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/stream"
)

const (
	probeTopicSuffix  = "/capabilities/probe"
	publishWaitBudget = 5 * time.Second
)

// Handler processes a single inbound message delivered on a subscribed filter.
type Handler func(topic string, payload []byte)

// LastWill configures the session's LWT, published by the broker if
// this client disconnects without a graceful Disconnect call.
type LastWill struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// session is the subset of mqtt.Client this package depends on, kept
// narrow so tests can substitute a fake broker connection.
type session interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

type pendingPublish struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type subscription struct {
	filter   string
	qos      byte
	handlers map[uintptr]Handler
}

// Client is the concurrent core around one MQTT session.
type Client struct {
	cfg        *config.Config
	underlying session
	logger     zerolog.Logger

	state        atomic.Int32
	stateStream  *stream.Stream[State]
	subackStream *stream.Stream[string]

	mu            sync.Mutex
	subscriptions map[string]*subscription
	pending       []pendingPublish
	intentional   bool // true while an explicit Disconnect is in progress

	backoff       *backoffPolicy
	stopReconnect chan struct{}
	stopOnce      *sync.Once
	reconnecting  bool
}

// NewClient builds a Client from validated config, dialing nothing yet.
// tlsConfig is nil for a plaintext connection. will is optional.
func NewClient(cfg *config.Config, tlsConfig *tls.Config, will *LastWill, logger zerolog.Logger) *Client {
	c := &Client{
		cfg:           cfg,
		logger:        logger,
		stateStream:   stream.New[State](),
		subackStream:  stream.New[string](),
		subscriptions: make(map[string]*subscription),
		backoff:       newBackoffPolicy(),
		stopReconnect: make(chan struct{}),
		stopOnce:      &sync.Once{},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second).
		SetAutoReconnect(false). // this package owns reconnection, not paho
		SetCleanSession(cfg.SessionExpirySeconds == 0).
		SetOnConnectHandler(func(mqtt.Client) { c.onConnected() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.onConnectionLost(err) })

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	if will != nil {
		opts.SetWill(will.Topic, string(will.Payload), will.QoS, will.Retain)
	}

	c.underlying = mqtt.NewClient(opts)
	return c
}

func (c *Client) isProbeTopic(topic string) bool {
	return hasSuffix(topic, probeTopicSuffix)
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.stateStream.Publish(s)
	metrics.ConnectionState.Set(float64(s))
	metrics.UpdateComponent("broker", s == Connected, s.String())
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ConnectionState returns a live broadcast of state transitions.
func (c *Client) ConnectionState() (<-chan State, func()) {
	return c.stateStream.Subscribe()
}

// OnSubscribed returns a live broadcast of filters confirmed by SUBACK.
func (c *Client) OnSubscribed() (<-chan string, func()) {
	return c.subackStream.Subscribe()
}

// Connect is idempotent: calling it while already connecting or
// connected has no effect beyond returning nil.
func (c *Client) Connect() error {
	switch c.State() {
	case Connecting, Connected:
		return nil
	}
	c.mu.Lock()
	c.intentional = false
	// A prior Disconnect may have closed stopReconnect; swap in a fresh
	// signal so reconnection works again on this connection cycle. Only
	// reset when closed, never unconditionally, so a Disconnect racing
	// with this Connect can't have its close silently discarded.
	select {
	case <-c.stopReconnect:
		c.resetReconnectSignalLocked()
	default:
	}
	c.mu.Unlock()

	c.setState(Connecting)
	token := c.underlying.Connect()
	timeout := time.Duration(c.cfg.ConnectionTimeoutSeconds) * time.Second
	if !token.WaitTimeout(timeout) {
		c.setState(Disconnected)
		metrics.ReconnectAttemptsTotal.Inc()
		go c.scheduleReconnect()
		return errs.Timeout("connect", timeout.Milliseconds())
	}
	if err := token.Error(); err != nil {
		c.setState(Disconnected)
		metrics.ReconnectAttemptsTotal.Inc()
		c.logConnectFailure(err)
		go c.scheduleReconnect()
		return errs.Connection(err.Error())
	}
	// onConnected (the paho callback) fires state -> Connected, flushes
	// pending publishes, and resubscribes.
	return nil
}

// logConnectFailure classifies a handshake failure so the log line
// carries a stable reason (expired cert, hostname mismatch, ...) rather
// than an opaque crypto/tls string, when this client is configured for TLS.
func (c *Client) logConnectFailure(err error) {
	if !c.cfg.UseTLS {
		c.logger.Warn().Err(err).Msg("broker connect failed")
		return
	}
	tlsErr := security.ClassifyTLSError(err)
	c.logger.Warn().Err(err).Str("tls_error_kind", string(tlsErr.Kind)).Msg("broker connect failed")
}

// resetReconnectSignalLocked must be called with c.mu held.
func (c *Client) resetReconnectSignalLocked() {
	c.stopReconnect = make(chan struct{})
	c.stopOnce = &sync.Once{}
}

func (c *Client) onConnected() {
	c.backoff.Reset()
	c.setState(Connected)
	c.flushPending()
	c.resubscribeAll()
}

func (c *Client) onConnectionLost(err error) {
	c.mu.Lock()
	intentional := c.intentional
	c.mu.Unlock()
	if intentional {
		return
	}
	c.logConnectFailure(err)
	c.setState(Disconnected)
	go c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		stopCh := c.stopReconnect
		c.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(c.backoff.Next()):
		}
		if c.State() == Connected {
			return
		}
		metrics.ReconnectAttemptsTotal.Inc()
		if err := c.Connect(); err == nil {
			return
		}
	}
}

// Disconnect gracefully closes the session. suppressLWT is accepted for
// call-site symmetry with the lifecycle manager's intent, but a graceful
// paho Disconnect always sends a DISCONNECT control packet first, which
// tells the broker to drop the will regardless of this flag — there is
// no way to ask this method for a clean network close that still lets
// the will fire. Closing stopReconnect is idempotent and safe to call
// from multiple lifecycle transitions (Paused/Hidden under a power hint,
// then Terminating).
func (c *Client) Disconnect(suppressLWT bool) {
	c.mu.Lock()
	c.intentional = true
	stopCh := c.stopReconnect
	once := c.stopOnce
	c.mu.Unlock()

	once.Do(func() { close(stopCh) })

	c.setState(Disconnecting)
	c.underlying.Disconnect(250)
	c.setState(Disconnected)
}

// Publish sends payload to topic. While disconnected, the publish is
// buffered and flushed in FIFO order on reconnect. The capabilities
// probe topic is always retained regardless of the caller's request;
// every other topic rejects a retained publish outright.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) error {
	switch {
	case c.isProbeTopic(topic):
		retain = true
	case retain:
		return errs.Validation("retain", retain, "retain is only permitted on the capabilities probe topic")
	}

	if c.State() != Connected {
		c.mu.Lock()
		c.pending = append(c.pending, pendingPublish{topic: topic, payload: payload, qos: qos, retain: retain})
		c.mu.Unlock()
		return nil
	}

	token := c.underlying.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishWaitBudget) {
		return errs.Timeout("publish", publishWaitBudget.Milliseconds())
	}
	if err := token.Error(); err != nil {
		metrics.PublishesTotal.WithLabelValues(topicKind(topic), "error").Inc()
		return errs.Connection(err.Error())
	}
	metrics.PublishesTotal.WithLabelValues(topicKind(topic), "ok").Inc()
	return nil
}

func (c *Client) flushPending() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range batch {
		token := c.underlying.Publish(p.topic, p.qos, p.retain, p.payload)
		token.WaitTimeout(publishWaitBudget)
	}
}

func topicKind(topic string) string {
	switch {
	case hasSuffix(topic, probeTopicSuffix):
		return "probe"
	case hasSuffix(topic, "/replication/events"):
		return "replication"
	case hasSuffix(topic, "/cmd"):
		return "command"
	case hasSuffix(topic, "/res"):
		return "response"
	default:
		return "other"
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Subscribe registers handler on filter, deduplicated by function
// identity: subscribing the same handler twice on the same filter is a
// no-op. The underlying broker subscription is only issued once per filter.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	id := reflect.ValueOf(handler).Pointer()

	c.mu.Lock()
	sub, exists := c.subscriptions[filter]
	if !exists {
		sub = &subscription{filter: filter, qos: qos, handlers: make(map[uintptr]Handler)}
		c.subscriptions[filter] = sub
	}
	_, dup := sub.handlers[id]
	sub.handlers[id] = handler
	c.mu.Unlock()

	if exists || dup {
		return nil
	}
	return c.issueSubscribe(sub)
}

func (c *Client) issueSubscribe(sub *subscription) error {
	token := c.underlying.Subscribe(sub.filter, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(sub.filter, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishWaitBudget) {
		return errs.Timeout("subscribe", publishWaitBudget.Milliseconds())
	}
	if err := token.Error(); err != nil {
		return errs.Connection(err.Error())
	}
	c.subackStream.Publish(sub.filter)
	return nil
}

func (c *Client) dispatch(filter, topic string, payload []byte) {
	c.mu.Lock()
	sub, ok := c.subscriptions[filter]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	handlers := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		_ = c.issueSubscribe(sub)
	}
}

// Unsubscribe drops every handler registered for filter.
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	_, ok := c.subscriptions[filter]
	delete(c.subscriptions, filter)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	token := c.underlying.Unsubscribe(filter)
	if !token.WaitTimeout(publishWaitBudget) {
		return errs.Timeout("unsubscribe", publishWaitBudget.Milliseconds())
	}
	if err := token.Error(); err != nil {
		return errs.Connection(err.Error())
	}
	return nil
}
