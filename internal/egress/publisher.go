// Package egress drains the durable outbox onto the bus. An event is only
// marked published after the bus accepts it, so downstream consumers never
// miss a committed state change.
package egress

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/bus"
	"ims/internal/domain"
	"ims/internal/metrics"
	"ims/internal/repository"
)

const (
	drainBatchSize = 200
	pollInterval   = 100 * time.Millisecond
)

// Publisher moves outbox entries to their bus topics.
type Publisher struct {
	bus     *bus.Bus
	outbox  *repository.OutboxRepo
	metrics *metrics.Metrics
	logger  zerolog.Logger

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPublisher creates an outbox publisher.
func NewPublisher(b *bus.Bus, outbox *repository.OutboxRepo, m *metrics.Metrics) *Publisher {
	return &Publisher{
		bus:     b,
		outbox:  outbox,
		metrics: m,
		logger:  log.With().Str("component", "egress").Logger(),
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the drain loop.
func (p *Publisher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info().Msg("egress publisher started")
}

// Stop halts draining after the in-flight batch completes.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Notify nudges the drain loop; engines call this after appending so egress
// latency is not bounded by the poll interval.
func (p *Publisher) Notify() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		p.drain(ctx)
	}
}

// drain publishes one batch. Backpressure from a saturated partition backs
// off and leaves the entry for the next pass; order within a partition is
// preserved because entries publish in append order.
func (p *Publisher) drain(ctx context.Context) {
	entries, err := p.outbox.Unpublished(ctx, drainBatchSize)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read outbox")
		return
	}
	if p.metrics != nil {
		p.metrics.OutboxPending.Set(float64(len(entries)))
	}
	if len(entries) == 0 {
		return
	}

	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		err := p.bus.Topic(entry.Topic).Publish(entry.Event)
		if err != nil {
			if domain.IsClass(err, domain.ClassTransient) {
				_ = p.outbox.BumpAttempts(ctx, entry.ID)
				select {
				case <-time.After(b.Duration()):
				case <-ctx.Done():
				}
				return // retry the whole tail next pass, preserving order
			}
			p.logger.Error().Err(err).
				Str("event", entry.EventID).
				Str("topic", entry.Topic).
				Msg("failed to publish egress event")
			return
		}

		if err := p.outbox.MarkPublished(ctx, entry.ID); err != nil {
			// The event went out but stays marked pending; the duplicate on
			// the next pass is covered by at-least-once semantics.
			p.logger.Warn().Err(err).Str("event", entry.EventID).Msg("failed to mark published")
			return
		}
		if p.metrics != nil {
			p.metrics.EventsPublished.WithLabelValues(entry.Topic).Inc()
		}
		b.Reset()
	}
}
