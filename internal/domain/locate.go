package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LocateState is the locate request lifecycle state. Transitions are
// exclusive and never reverse: Pending -> Approved | Rejected | Cancelled,
// Approved -> Expired.
type LocateState string

const (
	LocatePending   LocateState = "PENDING"
	LocateApproved  LocateState = "APPROVED"
	LocateRejected  LocateState = "REJECTED"
	LocateCancelled LocateState = "CANCELLED"
	LocateExpired   LocateState = "EXPIRED"
)

// LocateType distinguishes short-sell locates from plain borrows.
type LocateType string

const (
	LocateShortSell LocateType = "SHORT_SELL"
	LocateBorrow    LocateType = "BORROW"
)

// SwapCashIndicator marks the settlement vehicle of the underlying trade.
type SwapCashIndicator string

const (
	IndicatorSwap SwapCashIndicator = "SWAP"
	IndicatorCash SwapCashIndicator = "CASH"
)

// LocateRequest is a pre-trade permission to borrow shares for a short
// sale. Approval reserves DecrementQuantity against Locate availability.
type LocateRequest struct {
	Audit

	RequestID         string            `json:"request_id"`
	SecurityID        string            `json:"security_id"`
	RequestorID       string            `json:"requestor_id"`
	ClientID          string            `json:"client_id"`
	AggregationUnitID string            `json:"aggregation_unit_id,omitempty"`
	BusinessDate      Date              `json:"business_date"`
	RequestedQuantity decimal.Decimal   `json:"requested_quantity"`
	LocateType        LocateType        `json:"locate_type"`
	SwapCashIndicator SwapCashIndicator `json:"swap_cash_indicator"`

	State             LocateState     `json:"state"`
	ApprovedQuantity  decimal.Decimal `json:"approved_quantity"`
	DecrementQuantity decimal.Decimal `json:"decrement_quantity"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	ExpiryDate        time.Time       `json:"expiry_date,omitempty"`
	DecidedAt         time.Time       `json:"decided_at,omitempty"`
	DecidedBy         string          `json:"decided_by,omitempty"`
}

// CanTransition reports whether the state machine permits moving to next.
func (r *LocateRequest) CanTransition(next LocateState) bool {
	switch r.State {
	case LocatePending:
		return next == LocateApproved || next == LocateRejected || next == LocateCancelled
	case LocateApproved:
		return next == LocateExpired
	default:
		return false
	}
}

// IsExpiredAt reports whether an approved locate is past its expiry.
func (r *LocateRequest) IsExpiredAt(now time.Time) bool {
	return r.State == LocateApproved && !r.ExpiryDate.IsZero() && !now.Before(r.ExpiryDate)
}
