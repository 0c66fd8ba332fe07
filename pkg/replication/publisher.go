package replication

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/codec"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
)

const defaultDrainPollInterval = 50 * time.Millisecond

// Transport is the narrow publish surface the outbox drain worker needs
// from the topic router.
type Transport interface {
	PublishReplication(payload []byte) error
}

// Publisher implements command.Publisher: every successful local
// mutation is appended to the durable outbox, then drained to the
// replication topic by a background worker with retry-with-backoff on
// transient failure.
type Publisher struct {
	outbox       *Outbox
	transport    Transport
	logger       zerolog.Logger
	pollInterval time.Duration
	backoff      *retryPolicy
	nextAttempt  time.Time
	stopCh       chan struct{}
}

// NewPublisher builds a Publisher over outbox, draining to transport.
func NewPublisher(outbox *Outbox, transport Transport, logger zerolog.Logger) *Publisher {
	return &Publisher{
		outbox:       outbox,
		transport:    transport,
		logger:       logger,
		pollInterval: defaultDrainPollInterval,
		backoff:      newRetryPolicy(),
		stopCh:       make(chan struct{}),
	}
}

// Publish implements command.Publisher; it never blocks on the network,
// only on the outbox's own durable write.
func (p *Publisher) Publish(entry *model.VersionedEntry) {
	evt := model.EventFromEntry(entry)
	if err := p.outbox.Enqueue(evt); err != nil {
		p.logger.Warn().Err(err).Str("key", entry.Key).Msg("failed to enqueue replication event, degrading to best-effort")
	}
	metrics.OutboxDepth.Set(float64(p.outbox.Depth()))
}

// Start launches the drain loop.
func (p *Publisher) Start() {
	go p.run()
}

// Stop ends the drain loop.
func (p *Publisher) Stop() {
	close(p.stopCh)
}

func (p *Publisher) run() {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOne()
		}
	}
}

// FlushBestEffort attempts to drain the entire outbox immediately,
// ignoring the retry backoff, stopping at the first failure or once ctx
// is cancelled. Used on graceful shutdown, where a slow backoff delay
// would outlast the process.
func (p *Publisher) FlushBestEffort(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.outbox.Depth() == 0 {
			return
		}

		seq, evt, ok := p.outbox.Front()
		if !ok {
			return
		}
		payload, err := codec.EncodeEvent(evt)
		if err != nil {
			_ = p.outbox.Remove(seq)
			continue
		}
		if err := p.transport.PublishReplication(payload); err != nil {
			p.logger.Warn().Err(err).Msg("best-effort outbox flush stopped on publish failure")
			return
		}
		_ = p.outbox.Remove(seq)
		metrics.EventsPublishedTotal.Inc()
	}
}

func (p *Publisher) drainOne() {
	if time.Now().Before(p.nextAttempt) {
		return
	}

	seq, evt, ok := p.outbox.Front()
	if !ok {
		return
	}

	payload, err := codec.EncodeEvent(evt)
	if err != nil {
		p.logger.Error().Err(err).Str("key", evt.Key).Msg("dropping unencodable replication event")
		_ = p.outbox.Remove(seq)
		return
	}

	if err := p.transport.PublishReplication(payload); err != nil {
		p.nextAttempt = time.Now().Add(p.backoff.Next())
		p.logger.Warn().Err(err).Str("key", evt.Key).Msg("replication publish failed, retrying with backoff")
		return
	}

	p.backoff.Reset()
	if err := p.outbox.Remove(seq); err != nil {
		p.logger.Warn().Err(err).Msg("failed to remove published event from outbox")
	}
	metrics.EventsPublishedTotal.Inc()
	metrics.OutboxDepth.Set(float64(p.outbox.Depth()))
}
