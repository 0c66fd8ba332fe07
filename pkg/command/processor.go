// Package command parses, validates, and dispatches command envelopes
// against the storage engine, building the matching response envelope
// and caching completed responses by command id for idempotent retries.
package command

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/errs"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/log"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/metrics"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/model"
	"github.com/hackerChocomica/MerkleKV-Mobile-sub001/pkg/storage"
)

const keyCharsetExclusions = "\x00+#/"

// Publisher receives the entry produced by a successful local mutation,
// for emission onto the replication topic. A nil Publisher disables
// replication entirely (a single-node deployment).
type Publisher interface {
	Publish(entry *model.VersionedEntry)
}

// Processor dispatches validated commands to the storage engine.
type Processor struct {
	storage     *storage.Engine
	publisher   Publisher
	idempotency *idempotencyCache
	logger      zerolog.Logger
}

// NewProcessor builds a Processor. publisher may be nil.
func NewProcessor(engine *storage.Engine, publisher Publisher, idempotencyCapacity int, logger zerolog.Logger) *Processor {
	return &Processor{
		storage:     engine,
		publisher:   publisher,
		idempotency: newIdempotencyCache(idempotencyCapacity),
		logger:      logger,
	}
}

// Process executes cmd, returning the cached response if cmd.ID was
// already completed.
func (p *Processor) Process(cmd model.CommandEnvelope) model.ResponseEnvelope {
	if cached, ok := p.idempotency.Get(cmd.ID); ok {
		metrics.IdempotentReplaysTotal.Inc()
		return cached
	}

	timer := metrics.NewTimer()
	resp := p.dispatch(cmd)
	timer.ObserveDurationVec(metrics.CommandDuration, string(cmd.Op))

	status := "ok"
	if resp.Status == model.StatusErr {
		status = "error"
		p.logRejection(cmd, resp)
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Op), status).Inc()

	p.idempotency.Put(cmd.ID, resp)
	return resp
}

func (p *Processor) dispatch(cmd model.CommandEnvelope) model.ResponseEnvelope {
	switch cmd.Op {
	case model.OpGet:
		return p.doGet(cmd)
	case model.OpSet:
		return p.doSet(cmd)
	case model.OpDelete:
		return p.doDelete(cmd)
	case model.OpIncr:
		return p.doIncrDecr(cmd, false)
	case model.OpDecr:
		return p.doIncrDecr(cmd, true)
	case model.OpAppend:
		return p.doAppendPrepend(cmd, false)
	case model.OpPrepend:
		return p.doAppendPrepend(cmd, true)
	case model.OpMGet:
		return p.doMGet(cmd)
	case model.OpMSet:
		return p.doMSet(cmd)
	default:
		return errResponse(cmd.ID, errs.Validation("op", cmd.Op, "unrecognized operation"))
	}
}

func (p *Processor) logRejection(cmd model.CommandEnvelope, resp model.ResponseEnvelope) {
	l := p.logger
	if cmd.Key != "" {
		l = log.WithKey(cmd.Key)
	}
	l.Warn().Str("op", string(cmd.Op)).Str("cmdId", cmd.ID).Str("reason", resp.Error).Msg("command rejected")
}

func (p *Processor) emit(entry *model.VersionedEntry) {
	if p.publisher != nil {
		p.publisher.Publish(entry)
	}
}

func (p *Processor) doGet(cmd model.CommandEnvelope) model.ResponseEnvelope {
	if err := validateKey(cmd.Key); err != nil {
		return errResponse(cmd.ID, err)
	}
	v, ok := p.storage.Get(cmd.Key)
	if !ok {
		return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Value: nil}
	}
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Value: v}
}

func (p *Processor) doSet(cmd model.CommandEnvelope) model.ResponseEnvelope {
	if err := validateKey(cmd.Key); err != nil {
		return errResponse(cmd.ID, err)
	}
	if err := validateValue(cmd.Value); err != nil {
		return errResponse(cmd.ID, err)
	}
	entry := p.storage.Put(cmd.Key, cmd.Value)
	p.emit(entry)
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK}
}

func (p *Processor) doDelete(cmd model.CommandEnvelope) model.ResponseEnvelope {
	if err := validateKey(cmd.Key); err != nil {
		return errResponse(cmd.ID, err)
	}
	entry := p.storage.Delete(cmd.Key)
	p.emit(entry)
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK}
}

func (p *Processor) doIncrDecr(cmd model.CommandEnvelope, negate bool) model.ResponseEnvelope {
	if err := validateKey(cmd.Key); err != nil {
		return errResponse(cmd.ID, err)
	}
	amount := int64(1)
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	if negate {
		amount = -amount
	}
	entry, next, err := p.storage.Incr(cmd.Key, amount)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	p.emit(entry)
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Value: next}
}

func (p *Processor) doAppendPrepend(cmd model.CommandEnvelope, prepend bool) model.ResponseEnvelope {
	if err := validateKey(cmd.Key); err != nil {
		return errResponse(cmd.ID, err)
	}
	if !utf8.ValidString(cmd.Value) {
		return errResponse(cmd.ID, errs.Validation("value", cmd.Value, "must be valid UTF-8"))
	}
	entry, length, err := p.storage.Append(cmd.Key, cmd.Value, prepend)
	if err != nil {
		return errResponse(cmd.ID, err)
	}
	p.emit(entry)
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Value: length}
}

func (p *Processor) doMGet(cmd model.CommandEnvelope) model.ResponseEnvelope {
	results := make(map[string]interface{}, len(cmd.Keys))
	for _, key := range cmd.Keys {
		if err := validateKey(key); err != nil {
			return errResponse(cmd.ID, err)
		}
		if v, ok := p.storage.Get(key); ok {
			results[key] = v
		} else {
			results[key] = nil
		}
	}
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Results: results}
}

func (p *Processor) doMSet(cmd model.CommandEnvelope) model.ResponseEnvelope {
	results := make(map[string]interface{}, len(cmd.KV))
	for key, value := range cmd.KV {
		if err := validateKey(key); err != nil {
			return errResponse(cmd.ID, err)
		}
		if err := validateValue(value); err != nil {
			return errResponse(cmd.ID, err)
		}
	}
	for key, value := range cmd.KV {
		entry := p.storage.Put(key, value)
		p.emit(entry)
		results[key] = true
	}
	return model.ResponseEnvelope{ID: cmd.ID, Status: model.StatusOK, Results: results}
}

func errResponse(id string, err error) model.ResponseEnvelope {
	if e, ok := err.(*errs.Error); ok {
		return model.ResponseEnvelope{ID: id, Status: model.StatusErr, Error: e.Message, Code: e.Code}
	}
	return model.ResponseEnvelope{ID: id, Status: model.StatusErr, Error: err.Error(), Code: errs.CodeInternal}
}

func validateKey(key string) error {
	n := len(key)
	if n < 1 || n > model.MaxKeyBytes {
		return errs.Validation("key", key, "must be 1-256 bytes")
	}
	if !utf8.ValidString(key) {
		return errs.Validation("key", key, "must be valid UTF-8")
	}
	if strings.ContainsAny(key, keyCharsetExclusions) {
		return errs.Validation("key", key, "must not contain NUL, '/', '+', or '#'")
	}
	return nil
}

func validateValue(value string) error {
	if len(value) > model.MaxValueBytes {
		return errs.PayloadTooLarge("value", len(value), model.MaxValueBytes)
	}
	if !utf8.ValidString(value) {
		return errs.Validation("value", value, "must be valid UTF-8")
	}
	return nil
}
