package reminder

import (
	"context"
	"errors"
	"fmt"

	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

// BreakerPublisher guards each topic with its own circuit breaker. Rejections are marked
// permanent so the worker pool does not retry into an open breaker.
type BreakerPublisher struct {
	next     Publisher
	breakers *circuitbreaker.Manager
}

// NewBreakerPublisher wraps next
func NewBreakerPublisher(next Publisher, breakers *circuitbreaker.Manager) *BreakerPublisher {
	return &BreakerPublisher{next: next, breakers: breakers}
}

// Publish sends through the topic's breaker
func (p *BreakerPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	cb, err := p.breakers.Get(topic)
	if err != nil {
		return err
	}
	err = cb.Execute(ctx, func(ctx context.Context) error {
		return p.next.Publish(ctx, topic, key, value)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", workerpool.ErrPermanent, err)
	}
	return err
}

// Health reports the breaker states
func (p *BreakerPublisher) Health() []circuitbreaker.HealthStatus {
	return p.breakers.Health()
}
