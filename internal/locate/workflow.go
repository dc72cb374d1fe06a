// Package locate runs the locate request state machine: auto-decision on
// submission, manual review, cancellation and the periodic expiry sweep.
package locate

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"ims/internal/bus"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/inventory"
	"ims/internal/metrics"
	"ims/internal/repository"
	"ims/internal/rules"
)

// Workflow owns locate requests end to end.
type Workflow struct {
	db        *database.DB
	stores    *repository.Stores
	inventory *inventory.Engine
	rules     *rules.Engine
	policies  *config.Policies
	clock     clock.Clock
	metrics   *metrics.Metrics
	budget    time.Duration
	logger    zerolog.Logger

	// onCommit is invoked after every committed decision write; the egress
	// publisher hooks this to drain the outbox promptly.
	onCommit func()
}

// NewWorkflow creates a locate workflow.
func NewWorkflow(db *database.DB, stores *repository.Stores, inv *inventory.Engine,
	ruleEngine *rules.Engine, policies *config.Policies, clk clock.Clock,
	m *metrics.Metrics, budget time.Duration) *Workflow {
	return &Workflow{
		db:        db,
		stores:    stores,
		inventory: inv,
		rules:     ruleEngine,
		policies:  policies,
		clock:     clk,
		metrics:   m,
		budget:    budget,
		logger:    log.With().Str("component", "locate").Logger(),
	}
}

// OnCommit registers the post-commit hook.
func (w *Workflow) OnCommit(fn func()) { w.onCommit = fn }

func (w *Workflow) committed() {
	if w.onCommit != nil {
		w.onCommit()
	}
}

// Submit records a new locate request and runs the auto-decision. The
// returned request reflects the final state: Approved, Rejected, or Pending
// awaiting manual review.
func (w *Workflow) Submit(ctx context.Context, req *domain.LocateRequest) (*domain.LocateRequest, error) {
	if w.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.budget)
		defer cancel()
	}

	if req.RequestID == "" || req.SecurityID == "" || req.RequestedQuantity.Sign() <= 0 {
		return nil, domain.NewValidation("locate request missing id, security or positive quantity")
	}
	if req.BusinessDate.IsZero() {
		return nil, domain.NewValidation("locate request missing business date")
	}

	security, err := w.stores.Securities.Get(ctx, req.SecurityID)
	if err != nil {
		return nil, err
	}
	if security == nil || !security.IsActive() {
		return nil, domain.NewValidation("locate for unknown or inactive security " + req.SecurityID)
	}

	req.State = domain.LocatePending
	req.Touch(w.clock.Now(), req.RequestorID)
	if err := w.stores.Locates.Save(ctx, nil, req); err != nil {
		return nil, err
	}

	facts := rules.Facts{
		"market":            security.Market,
		"securityId":        req.SecurityID,
		"clientId":          req.ClientID,
		"temperature":       string(security.Temperature),
		"swapCashIndicator": string(req.SwapCashIndicator),
		"locateType":        string(req.LocateType),
		"requestedQuantity": req.RequestedQuantity.String(),
	}
	outcome := w.rules.Evaluate(domain.CalcLocate, security.Market, req.BusinessDate, facts)

	switch strings.ToUpper(outcome.Status) {
	case "APPROVED":
		if err := w.approve(ctx, req, security, req.RequestedQuantity, "auto"); err != nil {
			return nil, err
		}
	case "REJECTED":
		if err := w.reject(ctx, req, "rejected by rule", "auto"); err != nil {
			return nil, err
		}
	default:
		// No decisive rule: stays Pending for manual review.
		w.count("pending")
	}
	return req, nil
}

// Approve is the manual approval path. It does not re-evaluate rules.
func (w *Workflow) Approve(ctx context.Context, requestID string, quantity decimal.Decimal, decidedBy string) (*domain.LocateRequest, error) {
	req, err := w.stores.Locates.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.NewValidation("unknown locate request " + requestID)
	}
	security, err := w.stores.Securities.Get(ctx, req.SecurityID)
	if err != nil {
		return nil, err
	}
	if security == nil {
		return nil, domain.NewValidation("locate references unknown security " + req.SecurityID)
	}
	if quantity.Sign() <= 0 || quantity.GreaterThan(req.RequestedQuantity) {
		return nil, domain.NewValidation("approved quantity must be positive and at most requested")
	}
	if err := w.approve(ctx, req, security, quantity, decidedBy); err != nil {
		return nil, err
	}
	return req, nil
}

// Reject is the manual rejection path.
func (w *Workflow) Reject(ctx context.Context, requestID, reason, decidedBy string) (*domain.LocateRequest, error) {
	req, err := w.stores.Locates.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.NewValidation("unknown locate request " + requestID)
	}
	if err := w.reject(ctx, req, reason, decidedBy); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel moves a pending request to Cancelled.
func (w *Workflow) Cancel(ctx context.Context, requestID, by string) (*domain.LocateRequest, error) {
	req, err := w.stores.Locates.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, domain.NewValidation("unknown locate request " + requestID)
	}
	if !req.CanTransition(domain.LocateCancelled) {
		return nil, domain.NewConflict("locate "+requestID+" cannot be cancelled from "+string(req.State), nil)
	}
	req.State = domain.LocateCancelled
	req.DecidedAt = w.clock.Now()
	req.DecidedBy = by
	req.Touch(w.clock.Now(), by)
	if err := w.stores.Locates.Save(ctx, nil, req); err != nil {
		return nil, err
	}
	w.count("cancelled")
	return req, nil
}

// PendingReview lists requests awaiting a manual decision.
func (w *Workflow) PendingReview(ctx context.Context) ([]*domain.LocateRequest, error) {
	return w.stores.Locates.PendingForReview(ctx)
}

// Get returns one locate request, or nil when absent.
func (w *Workflow) Get(ctx context.Context, requestID string) (*domain.LocateRequest, error) {
	return w.stores.Locates.Get(ctx, requestID)
}

// approve reserves the decrement against Locate availability and commits the
// transition. Insufficient availability converts the approval into a
// rejection rather than surfacing an error to the caller.
func (w *Workflow) approve(ctx context.Context, req *domain.LocateRequest, security *domain.Security, quantity decimal.Decimal, decidedBy string) error {
	if !req.CanTransition(domain.LocateApproved) {
		return domain.NewConflict("locate "+req.RequestID+" cannot be approved from "+string(req.State), nil)
	}

	key := domain.AvailabilityKey{
		SecurityID:      req.SecurityID,
		CalculationType: domain.CalcLocate,
		BusinessDate:    req.BusinessDate,
	}
	record, err := w.inventory.Availability(ctx, key)
	if err != nil {
		return err
	}
	if record == nil || record.AvailableQuantity.LessThan(quantity) {
		return w.reject(ctx, req, domain.ReasonInsufficientLocate, decidedBy)
	}

	decrement := quantity.Mul(w.policies.DecrementFactor(security.Market, security.Temperature))
	if err := w.inventory.Reserve(ctx, req.SecurityID, req.BusinessDate, decrement); err != nil {
		if domain.IsClass(err, domain.ClassValidation) {
			return w.reject(ctx, req, domain.ReasonInsufficientLocate, decidedBy)
		}
		return err
	}

	now := w.clock.Now()
	req.State = domain.LocateApproved
	req.ApprovedQuantity = quantity
	req.DecrementQuantity = decrement
	req.DecidedAt = now
	req.DecidedBy = decidedBy
	if req.ExpiryDate.IsZero() {
		// Approved locates lapse at the end of the business date.
		req.ExpiryDate = req.BusinessDate.AddDays(1).Time()
	}
	req.Touch(now, decidedBy)

	err = database.WithTransaction(ctx, w.db.Conn(), func(tx *sql.Tx) error {
		if err := w.stores.Locates.Save(ctx, tx, req); err != nil {
			return err
		}
		return w.stores.Outbox.Append(ctx, tx, bus.TopicLocates, w.decisionEvent(req, domain.SubtypeLocateApproved))
	})
	if err != nil {
		// The reservation committed but the decision did not; release so the
		// retry starts from a clean slate.
		if releaseErr := w.inventory.Release(ctx, req.SecurityID, req.BusinessDate, decrement); releaseErr != nil {
			w.logger.Error().Err(releaseErr).
				Str("request", req.RequestID).
				Msg("failed to release reservation after approve failure")
		}
		return err
	}

	w.committed()
	w.count("approved")
	w.logger.Info().
		Str("request", req.RequestID).
		Str("security", req.SecurityID).
		Str("decrement", decrement.String()).
		Msg("locate approved")
	return nil
}

func (w *Workflow) reject(ctx context.Context, req *domain.LocateRequest, reason, decidedBy string) error {
	if !req.CanTransition(domain.LocateRejected) {
		return domain.NewConflict("locate "+req.RequestID+" cannot be rejected from "+string(req.State), nil)
	}
	now := w.clock.Now()
	req.State = domain.LocateRejected
	req.RejectionReason = reason
	req.DecidedAt = now
	req.DecidedBy = decidedBy
	req.Touch(now, decidedBy)

	err := database.WithTransaction(ctx, w.db.Conn(), func(tx *sql.Tx) error {
		if err := w.stores.Locates.Save(ctx, tx, req); err != nil {
			return err
		}
		return w.stores.Outbox.Append(ctx, tx, bus.TopicLocates, w.decisionEvent(req, domain.SubtypeLocateRejected))
	})
	if err != nil {
		return err
	}
	w.committed()
	w.count("rejected")
	return nil
}

// ExpireSweep transitions approved locates past their expiry to Expired and
// releases their residual reservation. Returns the number expired.
func (w *Workflow) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := w.stores.Locates.ExpiredApproved(ctx, w.clock.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range expired {
		if !req.CanTransition(domain.LocateExpired) {
			continue
		}
		if err := w.inventory.Release(ctx, req.SecurityID, req.BusinessDate, req.DecrementQuantity); err != nil {
			w.logger.Error().Err(err).
				Str("request", req.RequestID).
				Msg("failed to release expired locate reservation")
			continue
		}
		now := w.clock.Now()
		req.State = domain.LocateExpired
		req.Touch(now, "expiry-sweep")

		err := database.WithTransaction(ctx, w.db.Conn(), func(tx *sql.Tx) error {
			if err := w.stores.Locates.Save(ctx, tx, req); err != nil {
				return err
			}
			return w.stores.Outbox.Append(ctx, tx, bus.TopicLocates, w.decisionEvent(req, domain.SubtypeLocateExpired))
		})
		if err != nil {
			w.logger.Error().Err(err).Str("request", req.RequestID).Msg("failed to persist expiry")
			continue
		}
		w.committed()
		count++
		if w.metrics != nil {
			w.metrics.LocatesExpired.Inc()
		}
	}
	return count, nil
}

func (w *Workflow) decisionEvent(req *domain.LocateRequest, subType string) *domain.Event {
	return &domain.Event{
		EventID:       uuid.NewString(),
		Kind:          domain.EventLocate,
		SubType:       subType,
		EffectiveTime: w.clock.Now(),
		BusinessDate:  req.BusinessDate,
		SourceSystem:  "ims",
		SecurityID:    req.SecurityID,
		Payload:       &domain.LocateDecisionPayload{Request: *req},
	}
}

func (w *Workflow) count(outcome string) {
	if w.metrics != nil {
		w.metrics.LocateDecisions.WithLabelValues(outcome).Inc()
	}
}
