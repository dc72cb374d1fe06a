package locate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ims/internal/cache"
	"ims/internal/clock"
	"ims/internal/config"
	"ims/internal/database"
	"ims/internal/domain"
	"ims/internal/inventory"
	"ims/internal/keylock"
	"ims/internal/metrics"
	"ims/internal/repository"
	"ims/internal/rules"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	workflow  *Workflow
	inventory *inventory.Engine
	stores    *repository.Stores
	rules     *rules.Engine
	clock     *clock.Frozen
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ims.db"),
		Profile: database.ProfileStandard,
		Name:    "ims",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	stores := repository.NewStores(db.Conn())
	policies, err := config.LoadPolicies("")
	require.NoError(t, err)

	ruleEngine := rules.NewEngine(stores.Rules, nil, nil)
	require.NoError(t, ruleEngine.Reload(context.Background()))

	clk := clock.NewFrozen(time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC))
	m := metrics.New()
	inv := inventory.NewEngine(db, stores, keylock.New(), clk, policies, ruleEngine,
		cache.New(time.Minute), nil, m, time.Second)
	wf := NewWorkflow(db, stores, inv, ruleEngine, policies, clk, m, 2*time.Second)
	return &harness{workflow: wf, inventory: inv, stores: stores, rules: ruleEngine, clock: clk}
}

// seedAvailability installs a security with the given temperature and a long
// position, then computes the Locate availability slice from it.
func (h *harness) seedAvailability(t *testing.T, securityID string, temp domain.Temperature, settled string) {
	t.Helper()
	require.NoError(t, h.stores.Securities.Upsert(context.Background(), &domain.Security{
		InternalID:  securityID,
		Type:        domain.SecurityEquity,
		Market:      "US",
		Status:      domain.SecurityActive,
		Temperature: temp,
	}))
	pos := domain.NewPosition(domain.PositionKey{
		BookID:       "EQUITY-01",
		SecurityID:   securityID,
		BusinessDate: "2026-08-24",
	})
	pos.SettledQty = d(settled)
	pos.Recalculate("2026-08-24")
	require.NoError(t, h.stores.Positions.Save(context.Background(), nil, pos))

	_, err := h.inventory.Calculate(context.Background(), securityID, "2026-08-24", domain.CalcLocate)
	require.NoError(t, err)
}

func (h *harness) seedAutoApprove(t *testing.T) {
	t.Helper()
	require.NoError(t, h.stores.Rules.Upsert(context.Background(), &domain.CalculationRule{
		Name:        "auto-approve",
		RuleVersion: 1,
		RuleType:    domain.CalcLocate,
		Priority:    10,
		Actions:     []domain.Action{{Kind: domain.ActionSetStatus, Value: "APPROVED"}},
		Status:      domain.RuleActive,
	}))
	require.NoError(t, h.rules.Reload(context.Background()))
}

func request(id, securityID, qty string) *domain.LocateRequest {
	return &domain.LocateRequest{
		RequestID:         id,
		SecurityID:        securityID,
		RequestorID:       "trader-1",
		ClientID:          "client-1",
		BusinessDate:      "2026-08-24",
		RequestedQuantity: d(qty),
		LocateType:        domain.LocateShortSell,
		SwapCashIndicator: domain.IndicatorCash,
	}
}

func (h *harness) locateRecord(t *testing.T, securityID string) *domain.InventoryAvailability {
	t.Helper()
	record, err := h.stores.Availability.Get(context.Background(), domain.AvailabilityKey{
		SecurityID:      securityID,
		CalculationType: domain.CalcLocate,
		BusinessDate:    "2026-08-24",
	})
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func TestSubmitAutoApproveGeneralCollateral(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")
	h.seedAutoApprove(t)

	req, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, req.State)
	assert.True(t, req.ApprovedQuantity.Equal(d("500")))
	assert.True(t, req.DecrementQuantity.Equal(d("100")), "GC decrements 20%%, got %s", req.DecrementQuantity)
	assert.Equal(t, time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), req.ExpiryDate)

	record := h.locateRecord(t, "SEC-1")
	assert.True(t, record.AvailableQuantity.Equal(d("900")))
	assert.True(t, record.ReservedQuantity.Equal(d("100")))
}

func TestSubmitAutoApproveHardToBorrow(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-HTB", domain.TemperatureHTB, "1000")
	h.seedAutoApprove(t)

	req, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-HTB", "300"))
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, req.State)
	assert.True(t, req.DecrementQuantity.Equal(d("300")), "HTB decrements the full quantity")

	record := h.locateRecord(t, "SEC-HTB")
	assert.True(t, record.ReservedQuantity.Equal(d("300")))
}

func TestSubmitRejectsWhenAvailabilityShort(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "100")
	h.seedAutoApprove(t)

	req, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err, "short availability is a rejection, not an error")
	assert.Equal(t, domain.LocateRejected, req.State)
	assert.Equal(t, domain.ReasonInsufficientLocate, req.RejectionReason)

	record := h.locateRecord(t, "SEC-1")
	assert.True(t, record.ReservedQuantity.IsZero())
}

func TestSubmitWithoutDecisiveRuleStaysPending(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")

	req, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err)
	assert.Equal(t, domain.LocatePending, req.State)

	pending, err := h.workflow.PendingReview(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "loc-1", pending[0].RequestID)
}

func TestManualApprovePartial(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")

	_, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err)

	req, err := h.workflow.Approve(context.Background(), "loc-1", d("200"), "ops-desk")
	require.NoError(t, err)
	assert.Equal(t, domain.LocateApproved, req.State)
	assert.True(t, req.ApprovedQuantity.Equal(d("200")))
	assert.Equal(t, "ops-desk", req.DecidedBy)

	// Over-approval is refused outright.
	_, err = h.workflow.Submit(context.Background(), request("loc-2", "SEC-1", "100"))
	require.NoError(t, err)
	_, err = h.workflow.Approve(context.Background(), "loc-2", d("150"), "ops-desk")
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassValidation))
}

func TestManualRejectAndCancel(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")

	_, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err)
	req, err := h.workflow.Reject(context.Background(), "loc-1", "credit hold", "ops-desk")
	require.NoError(t, err)
	assert.Equal(t, domain.LocateRejected, req.State)
	assert.Equal(t, "credit hold", req.RejectionReason)

	_, err = h.workflow.Submit(context.Background(), request("loc-2", "SEC-1", "500"))
	require.NoError(t, err)
	req, err = h.workflow.Cancel(context.Background(), "loc-2", "trader-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocateCancelled, req.State)

	// A decided request cannot be cancelled.
	_, err = h.workflow.Cancel(context.Background(), "loc-1", "trader-1")
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.ClassConflict))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")

	_, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "0"))
	assert.True(t, domain.IsClass(err, domain.ClassValidation))

	_, err = h.workflow.Submit(context.Background(), request("loc-2", "SEC-404", "100"))
	assert.True(t, domain.IsClass(err, domain.ClassValidation))
}

func TestExpireSweepReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.seedAvailability(t, "SEC-1", domain.TemperatureGC, "1000")
	h.seedAutoApprove(t)

	req, err := h.workflow.Submit(context.Background(), request("loc-1", "SEC-1", "500"))
	require.NoError(t, err)
	require.Equal(t, domain.LocateApproved, req.State)

	// Nothing is due before the expiry passes.
	count, err := h.workflow.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	h.clock.Advance(24 * time.Hour)
	count, err = h.workflow.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expired, err := h.workflow.Get(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LocateExpired, expired.State)

	record := h.locateRecord(t, "SEC-1")
	assert.True(t, record.ReservedQuantity.IsZero())
	assert.True(t, record.AvailableQuantity.Equal(d("1000")))

	pending, err := h.stores.Outbox.Unpublished(context.Background(), 50)
	require.NoError(t, err)
	var sawExpired bool
	for _, entry := range pending {
		if entry.Event.SubType == domain.SubtypeLocateExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired, "expiry publishes a locate expired event")

	// The sweep is idempotent.
	count, err = h.workflow.ExpireSweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
