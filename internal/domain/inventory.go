package domain

import "github.com/shopspring/decimal"

// CalculationType names one of the availability calculations the inventory
// engine produces.
type CalculationType string

const (
	CalcForLoan    CalculationType = "FOR_LOAN"
	CalcForPledge  CalculationType = "FOR_PLEDGE"
	CalcShortSell  CalculationType = "SHORT_SELL"
	CalcLongSell   CalculationType = "LONG_SELL"
	CalcLocate     CalculationType = "LOCATE"
	CalcOverborrow CalculationType = "OVERBORROW"
)

// AvailabilityKey identifies one availability record. CounterpartyID and
// AggregationUnitID are optional dimensions and may be empty.
type AvailabilityKey struct {
	SecurityID        string          `json:"security_id"`
	CounterpartyID    string          `json:"counterparty_id,omitempty"`
	AggregationUnitID string          `json:"aggregation_unit_id,omitempty"`
	CalculationType   CalculationType `json:"calculation_type"`
	BusinessDate      Date            `json:"business_date"`
}

func (k AvailabilityKey) String() string {
	return k.SecurityID + "|" + k.CounterpartyID + "|" + k.AggregationUnitID +
		"|" + string(k.CalculationType) + "|" + string(k.BusinessDate)
}

// AvailabilityStatus is the lifecycle state of an availability record.
type AvailabilityStatus string

const (
	AvailabilityActive     AvailabilityStatus = "ACTIVE"
	AvailabilityInactive   AvailabilityStatus = "INACTIVE"
	AvailabilityRestricted AvailabilityStatus = "RESTRICTED"
)

// InventoryAvailability is one derived availability record. The invariant
// Available + Reserved <= Gross and Available >= 0 holds at the end of every
// atomic update.
type InventoryAvailability struct {
	Audit

	Key AvailabilityKey `json:"key"`

	GrossQuantity     decimal.Decimal `json:"gross_quantity"`
	NetQuantity       decimal.Decimal `json:"net_quantity"`
	AvailableQuantity decimal.Decimal `json:"available_quantity"`
	ReservedQuantity  decimal.Decimal `json:"reserved_quantity"`
	DecrementQuantity decimal.Decimal `json:"decrement_quantity"`

	Market      string          `json:"market"`
	Temperature Temperature     `json:"temperature"`
	BorrowRate  decimal.Decimal `json:"borrow_rate"`

	RuleName     string             `json:"rule_name,omitempty"`
	RuleVersion  int                `json:"rule_version,omitempty"`
	Status       AvailabilityStatus `json:"status"`
	IsExternal   bool               `json:"is_external"`
	IsOverborrow bool               `json:"is_overborrow,omitempty"`
}

// CheckInvariants validates the availability arithmetic invariant.
func (a *InventoryAvailability) CheckInvariants() error {
	if a.AvailableQuantity.Sign() < 0 {
		return NewValidation("available quantity below zero for " + a.Key.String())
	}
	if a.AvailableQuantity.Add(a.ReservedQuantity).GreaterThan(a.GrossQuantity) {
		return NewValidation("available + reserved exceeds gross for " + a.Key.String())
	}
	return nil
}

// ExternalAvailability is an inbound quantity from an external lending
// source. Per source, the last value wins.
type ExternalAvailability struct {
	SecurityID   string          `json:"security_id"`
	BusinessDate Date            `json:"business_date"`
	Quantity     decimal.Decimal `json:"quantity"`
	SourceName   string          `json:"source_name"`
}

// LimitKey identifies a client or aggregation-unit limit record.
type LimitKey struct {
	OwnerID      string `json:"owner_id"` // clientId or aggregationUnitId
	SecurityID   string `json:"security_id"`
	BusinessDate Date   `json:"business_date"`
}

func (k LimitKey) String() string {
	return k.OwnerID + "|" + k.SecurityID + "|" + string(k.BusinessDate)
}

// OrderSide selects the long-sell or short-sell side of a limit.
type OrderSide string

const (
	SideLongSell  OrderSide = "LONG_SELL"
	SideShortSell OrderSide = "SHORT_SELL"
)

// TradingLimit carries per-side sell limits and usage for one owner
// (client or aggregation unit), security and business date. A successful
// validation atomically increases the used counter of the relevant side.
type TradingLimit struct {
	Audit

	Key LimitKey `json:"key"`

	LongSellLimit  decimal.Decimal `json:"long_sell_limit"`
	ShortSellLimit decimal.Decimal `json:"short_sell_limit"`
	LongSellUsed   decimal.Decimal `json:"long_sell_used"`
	ShortSellUsed  decimal.Decimal `json:"short_sell_used"`
}

// Remaining returns limit minus used for a side.
func (l *TradingLimit) Remaining(side OrderSide) decimal.Decimal {
	if side == SideLongSell {
		return l.LongSellLimit.Sub(l.LongSellUsed)
	}
	return l.ShortSellLimit.Sub(l.ShortSellUsed)
}

// Used returns the used counter for a side.
func (l *TradingLimit) Used(side OrderSide) decimal.Decimal {
	if side == SideLongSell {
		return l.LongSellUsed
	}
	return l.ShortSellUsed
}

// AddUsed moves the used counter for a side by delta (negative to roll back).
func (l *TradingLimit) AddUsed(side OrderSide, delta decimal.Decimal) {
	if side == SideLongSell {
		l.LongSellUsed = l.LongSellUsed.Add(delta)
		return
	}
	l.ShortSellUsed = l.ShortSellUsed.Add(delta)
}

// Order is a sell order submitted for validation.
type Order struct {
	OrderID           string          `json:"order_id"`
	SecurityID        string          `json:"security_id"`
	ClientID          string          `json:"client_id"`
	AggregationUnitID string          `json:"aggregation_unit_id"`
	Side              OrderSide       `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
}

// ValidationResult is the synchronous answer to a short-sell validation.
type ValidationResult struct {
	OrderID       string          `json:"order_id"`
	Approved      bool            `json:"approved"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	LatencyMillis int64           `json:"latency_millis"`
	ClientUsed    decimal.Decimal `json:"client_used"`
	AUUsed        decimal.Decimal `json:"au_used"`
}

// Contract is a financing contract (borrow, loan, pledge) feeding the
// inventory calculations.
type Contract struct {
	Audit

	ContractID     string          `json:"contract_id"`
	SecurityID     string          `json:"security_id"`
	CounterpartyID string          `json:"counterparty_id"`
	ContractType   string          `json:"contract_type"` // BORROW, LOAN, PLEDGE
	Quantity       decimal.Decimal `json:"quantity"`
	Rate           decimal.Decimal `json:"rate"`
	BusinessDate   Date            `json:"business_date"`
	Status         string          `json:"status"` // OPEN, CLOSED
}
