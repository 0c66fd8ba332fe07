package replication

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2.0
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

// retryPolicy is the same doubling-with-jitter shape as the broker
// client's reconnect backoff, duplicated here because that type is
// unexported from pkg/broker: outbox publish retry and broker reconnect
// are distinct concerns that happen to share a curve.
type retryPolicy struct {
	current time.Duration
}

func newRetryPolicy() *retryPolicy {
	return &retryPolicy{current: backoffBase}
}

func (p *retryPolicy) Next() time.Duration {
	d := p.current
	next := time.Duration(float64(p.current) * backoffFactor)
	if next > backoffCap {
		next = backoffCap
	}
	p.current = next
	return withJitter(d)
}

func (p *retryPolicy) Reset() {
	p.current = backoffBase
}

func withJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * backoffJitter * float64(d))
	return d + jitter
}
