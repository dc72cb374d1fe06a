// Package ingress consumes the inbound event topic, validates and
// deduplicates events, and routes them to the owning engine. Offsets commit
// only after the engine acknowledges durable handling.
package ingress

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ims/internal/bus"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/domain"
	"ims/internal/inventory"
	"ims/internal/locate"
	"ims/internal/metrics"
	"ims/internal/position"
	"ims/internal/reliability"
	"ims/internal/repository"
)

const consumerGroup = "dispatcher"

// Dispatcher validates, deduplicates and routes ingress events.
type Dispatcher struct {
	topic     *bus.Topic
	consumer  *bus.Consumer
	positions *position.Engine
	inventory *inventory.Engine
	locates   *locate.Workflow
	stores    *repository.Stores
	clock     clock.Clock
	retry     reliability.RetryPolicy
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher to its engines.
func NewDispatcher(b *bus.Bus, cfg *config.Config, positions *position.Engine,
	inv *inventory.Engine, locates *locate.Workflow, stores *repository.Stores,
	clk clock.Clock, m *metrics.Metrics) *Dispatcher {

	topic := b.Topic(bus.TopicIngress)
	var limiter *rate.Limiter
	if cfg.IngressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngressRate), int(cfg.IngressRate))
	}
	return &Dispatcher{
		topic:     topic,
		consumer:  topic.Consumer(consumerGroup),
		positions: positions,
		inventory: inv,
		locates:   locates,
		stores:    stores,
		clock:     clk,
		retry: reliability.RetryPolicy{
			Base:     cfg.RetryBase,
			Cap:      cfg.RetryCap,
			Attempts: cfg.RetryAttempts,
		},
		limiter: limiter,
		sem:     semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		metrics: m,
		logger:  log.With().Str("component", "dispatcher").Logger(),
	}
}

// Ingest admits one external event onto the ingress topic, applying the
// configured rate limit and topic backpressure.
func (d *Dispatcher) Ingest(ctx context.Context, ev *domain.Event) error {
	if ev == nil {
		return domain.NewValidation("nil event")
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return &domain.Error{Class: domain.ClassTimeout, Reason: "ingest cancelled", Err: err}
		}
	}
	return d.topic.Publish(ev)
}

// Start launches one consumer loop per partition. Processing concurrency is
// bounded by the worker pool semaphore; ordering per partition (and so per
// security) is preserved because each loop processes serially.
func (d *Dispatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel

	partitions := len(d.topic.Depth(consumerGroup))
	for p := 0; p < partitions; p++ {
		d.wg.Add(1)
		go d.partitionLoop(ctx, p)
	}
	d.logger.Info().Int("partitions", partitions).Msg("dispatcher started")
}

// Stop halts consumption and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) partitionLoop(ctx context.Context, partitionIdx int) {
	defer d.wg.Done()
	for {
		delivery, err := d.consumer.Poll(ctx, partitionIdx)
		if err != nil {
			return // context cancelled
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d.handle(ctx, delivery)
		d.sem.Release(1)

		if d.metrics != nil {
			d.metrics.QueueDepth.
				WithLabelValues(fmt.Sprintf("%d", partitionIdx)).
				Set(float64(d.topic.Depth(consumerGroup)[partitionIdx]))
		}
	}
}

// handle runs validation, dedup, dispatch and the failure policy for one
// delivery. The offset is committed in every terminal outcome; only a
// shutdown leaves it uncommitted for redelivery.
func (d *Dispatcher) handle(ctx context.Context, delivery *bus.Delivery) {
	ev := delivery.Event

	if err := d.validate(ev); err != nil {
		d.logger.Warn().Err(err).
			Str("event", ev.EventID).
			Str("subtype", ev.SubType).
			Msg("event rejected")
		d.consumer.Ack(delivery.Partition, delivery.Offset)
		return
	}

	fresh, err := d.stores.Dedup.Record(ctx, ev.EventID, d.clock.Now())
	if err != nil {
		// Dedup store unavailable: process anyway, engines tolerate replays.
		d.logger.Warn().Err(err).Str("event", ev.EventID).Msg("dedup check failed")
		fresh = true
	}
	if !fresh {
		if d.metrics != nil {
			d.metrics.EventsDeduped.Inc()
		}
		d.consumer.Ack(delivery.Partition, delivery.Offset)
		return
	}

	err = d.retry.Run(ctx, func() error {
		return d.dispatch(ctx, ev)
	})

	switch domain.Classify(err) {
	case "":
		if d.metrics != nil {
			d.metrics.EventsIngested.WithLabelValues(ev.SubType).Inc()
		}
		d.consumer.Ack(delivery.Partition, delivery.Offset)

	case domain.ClassValidation:
		d.logger.Warn().Err(err).Str("event", ev.EventID).Msg("event failed validation")
		d.consumer.Ack(delivery.Partition, delivery.Offset)

	case domain.ClassTimeout:
		// Shutdown or cancellation: the retry loop already absorbed budget
		// timeouts, so a Timeout here means this delivery never reached a
		// terminal outcome. Forget the dedup entry so the redelivery is not
		// mistaken for a replay, and leave the offset uncommitted.
		if rmErr := d.stores.Dedup.Remove(context.Background(), ev.EventID); rmErr != nil {
			d.logger.Error().Err(rmErr).Str("event", ev.EventID).
				Msg("failed to clear dedup entry for interrupted event")
		}
		return

	default:
		// Permanent or Quarantine: dead-letter with the original payload,
		// commit the offset, keep the partition flowing.
		reason := string(domain.Classify(err))
		if dlErr := d.stores.DeadLetter.Add(ctx, bus.TopicIngress, err.Error(), ev); dlErr != nil {
			d.logger.Error().Err(dlErr).Str("event", ev.EventID).Msg("failed to dead-letter event")
			if rmErr := d.stores.Dedup.Remove(context.Background(), ev.EventID); rmErr != nil {
				d.logger.Error().Err(rmErr).Str("event", ev.EventID).
					Msg("failed to clear dedup entry for interrupted event")
			}
			return
		}
		if d.metrics != nil {
			d.metrics.EventsDead.WithLabelValues(reason).Inc()
		}
		d.logger.Error().Err(err).
			Str("event", ev.EventID).
			Str("subtype", ev.SubType).
			Msg("event dead-lettered")
		d.consumer.Ack(delivery.Partition, delivery.Offset)
	}
}

// validate applies the admission rules: known subtype, required fields, and
// a business date within five business days of the system date.
func (d *Dispatcher) validate(ev *domain.Event) error {
	if ev.EventID == "" {
		return domain.NewValidation("event missing id")
	}
	if ev.EffectiveTime.IsZero() {
		return domain.NewValidation("event missing effective time")
	}
	if ev.Payload == nil {
		return domain.NewValidation("event missing payload")
	}
	if ev.BusinessDate.IsZero() {
		return domain.NewValidation("event missing business date")
	}

	switch ev.SubType {
	case domain.SubtypePriceUpdate, domain.SubtypeNAVUpdate, domain.SubtypeVolatilityUpdate,
		domain.SubtypeTrade, domain.SubtypeStartOfDay, domain.SubtypePositionUpdate,
		domain.SubtypeSettlementLadder, domain.SubtypeExternalAvailability:
		if ev.SecurityID == "" {
			return domain.NewValidation("event missing security id")
		}
	}

	today := d.clock.Today("")
	if !d.clock.Calendar("").WithinBusinessDays(ev.BusinessDate, today, 5) {
		return domain.NewValidation(
			"business date " + string(ev.BusinessDate) + " outside admissible window")
	}
	return nil
}

// dispatch routes a validated event to its engine.
func (d *Dispatcher) dispatch(ctx context.Context, ev *domain.Event) error {
	switch ev.SubType {
	case domain.SubtypePriceUpdate, domain.SubtypeNAVUpdate, domain.SubtypeVolatilityUpdate:
		return d.inventory.OnMarketData(ctx, ev)

	case domain.SubtypeTrade, domain.SubtypeStartOfDay,
		domain.SubtypePositionUpdate, domain.SubtypeSettlementLadder:
		return d.positions.ProcessEvent(ctx, ev)

	case domain.SubtypeContractOpen, domain.SubtypeContractUpdate, domain.SubtypeContractClose:
		return d.inventory.OnContract(ctx, ev)

	case domain.SubtypeExternalAvailability:
		return d.inventory.OnExternalAvailability(ctx, ev)

	case domain.SubtypeLocateSubmit, domain.SubtypeLocateApprove, domain.SubtypeLocateReject,
		domain.SubtypeLocateCancel, domain.SubtypeLocateExpire:
		return d.dispatchLocate(ctx, ev)

	case domain.SubtypeSecurityUpsert, domain.SubtypeCounterpartyUpsert,
		domain.SubtypeAggregationUnit, domain.SubtypeIndexComposition:
		return d.applyReference(ctx, ev)

	default:
		return domain.NewPermanent("no route for subtype "+ev.SubType, nil)
	}
}

func (d *Dispatcher) dispatchLocate(ctx context.Context, ev *domain.Event) error {
	payload, ok := ev.Payload.(*domain.LocatePayload)
	if !ok {
		return domain.NewPermanent("locate event without locate payload", nil)
	}

	switch ev.SubType {
	case domain.SubtypeLocateSubmit:
		req := payload.Request
		_, err := d.locates.Submit(ctx, &req)
		return err
	case domain.SubtypeLocateApprove:
		_, err := d.locates.Approve(ctx, payload.Request.RequestID, payload.Quantity, payload.ApprovedBy)
		return err
	case domain.SubtypeLocateReject:
		_, err := d.locates.Reject(ctx, payload.Request.RequestID, payload.Reason, payload.ApprovedBy)
		return err
	case domain.SubtypeLocateCancel:
		_, err := d.locates.Cancel(ctx, payload.Request.RequestID, payload.ApprovedBy)
		return err
	case domain.SubtypeLocateExpire:
		_, err := d.locates.ExpireSweep(ctx)
		return err
	}
	return nil
}

// applyReference upserts reference data. Upserts are idempotent by key, so
// redelivery is harmless.
func (d *Dispatcher) applyReference(ctx context.Context, ev *domain.Event) error {
	payload, ok := ev.Payload.(*domain.ReferencePayload)
	if !ok {
		return domain.NewPermanent("reference event without reference payload", nil)
	}

	now := d.clock.Now()
	switch {
	case payload.Security != nil:
		payload.Security.Touch(now, ev.SourceSystem)
		return d.stores.Securities.Upsert(ctx, payload.Security)
	case payload.Counterparty != nil:
		payload.Counterparty.Touch(now, ev.SourceSystem)
		return d.stores.Counterparties.Upsert(ctx, payload.Counterparty)
	case payload.AggregationUnit != nil:
		payload.AggregationUnit.Touch(now, ev.SourceSystem)
		return d.stores.AggregationUnits.Upsert(ctx, payload.AggregationUnit)
	case payload.Composition != nil:
		payload.Composition.Touch(now, ev.SourceSystem)
		return d.stores.Compositions.Upsert(ctx, payload.Composition)
	}
	return domain.NewValidation("reference event with empty payload")
}
