// Package correlator matches outbound commands to their inbound
// responses across independent publish/subscribe topics, since MQTT
// command/response exchange has no built-in request/response pairing.
package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/broker"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

const (
	singleKeyTimeout = 10 * time.Second
	bulkTimeout      = 20 * time.Second
	syncTimeout      = 30 * time.Second
)

// BudgetFor returns the default request timeout for op: the bulk budget
// for MGET and MSET, the single-key budget for every other op. No command
// op maps to the sync budget.
func BudgetFor(op model.Op) time.Duration {
	switch op {
	case model.OpMGet, model.OpMSet:
		return bulkTimeout
	default:
		return singleKeyTimeout
	}
}

// Transport is the subset of the topic router a correlator needs: the
// ability to publish a command to a target and to observe connection
// state so it can fail pending requests on disconnect.
type Transport interface {
	PublishCommand(target string, payload []byte) error
	ConnectionState() (<-chan broker.State, func())
}

type pendingRequest struct {
	resultCh chan model.ResponseEnvelope
	timer    *time.Timer
}

// Correlator registers a waker per request id, publishes the command,
// and wakes the waker when the matching response arrives (or fails it
// on timeout or disconnect).
type Correlator struct {
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest

	stopCh chan struct{}
	stopOk sync.Once
}

// New builds a Correlator bound to transport. Call Start to begin
// watching for disconnects.
func New(transport Transport, logger zerolog.Logger) *Correlator {
	return &Correlator{
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingRequest),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background watcher that fails all pending requests
// when the underlying transport disconnects.
func (c *Correlator) Start() {
	states, cancel := c.transport.ConnectionState()
	go func() {
		defer cancel()
		for {
			select {
			case <-c.stopCh:
				return
			case state, ok := <-states:
				if !ok {
					return
				}
				if state != broker.Connected {
					c.failAll(errs.Connection(state.String()))
				}
			}
		}
	}()
}

// Stop ends the disconnect watcher.
func (c *Correlator) Stop() {
	c.stopOk.Do(func() { close(c.stopCh) })
}

// Send publishes cmd to target's command topic and blocks until the
// matching response arrives, ctx is cancelled, or the op's timeout
// budget elapses.
func (c *Correlator) Send(ctx context.Context, target string, cmd model.CommandEnvelope) (model.ResponseEnvelope, error) {
	timeout := BudgetFor(cmd.Op)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return model.ResponseEnvelope{}, errs.Internal("marshal command envelope", err)
	}

	req := &pendingRequest{resultCh: make(chan model.ResponseEnvelope, 1)}
	c.mu.Lock()
	c.pending[cmd.ID] = req
	metrics.PendingRequests.Set(float64(len(c.pending)))
	c.mu.Unlock()

	req.timer = time.AfterFunc(timeout, func() {
		c.expire(cmd.ID, cmd.Op, timeout)
	})
	defer req.timer.Stop()
	defer c.remove(cmd.ID)

	if err := c.transport.PublishCommand(target, payload); err != nil {
		return model.ResponseEnvelope{}, err
	}

	select {
	case resp := <-req.resultCh:
		return resp, nil
	case <-ctx.Done():
		return model.ResponseEnvelope{}, ctx.Err()
	}
}

// Deliver routes an inbound response envelope to its waiting request,
// if one is still pending. Responses with no matching waiter (timed
// out, or never ours) are discarded.
func (c *Correlator) Deliver(resp model.ResponseEnvelope) {
	c.mu.Lock()
	req, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case req.resultCh <- resp:
	default:
	}
}

func (c *Correlator) expire(id string, op model.Op, timeout time.Duration) {
	c.mu.Lock()
	req, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	metrics.RequestTimeoutsTotal.Inc()
	timeoutErr := errs.Timeout(string(op), timeout.Milliseconds())
	select {
	case req.resultCh <- errResponse(id, timeoutErr):
	default:
	}
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	metrics.PendingRequests.Set(float64(len(c.pending)))
	c.mu.Unlock()
}

func (c *Correlator) failAll(cause *errs.Error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		req, ok := c.pending[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case req.resultCh <- errResponse(id, cause):
		default:
		}
	}
	if len(ids) > 0 {
		c.logger.Warn().Int("pending", len(ids)).Msg("failed all pending requests on disconnect")
	}
}

func errResponse(id string, err *errs.Error) model.ResponseEnvelope {
	return model.ResponseEnvelope{ID: id, Status: model.StatusErr, Error: err.Message, Code: err.Code}
}
