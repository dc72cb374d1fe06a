package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SecurityType classifies the instrument.
type SecurityType string

const (
	SecurityEquity SecurityType = "EQUITY"
	SecurityBond   SecurityType = "BOND"
	SecurityETF    SecurityType = "ETF"
	SecurityIndex  SecurityType = "INDEX"
	SecurityOther  SecurityType = "OTHER"
)

// SecurityStatus is the reference-data lifecycle state.
type SecurityStatus string

const (
	SecurityActive    SecurityStatus = "ACTIVE"
	SecurityInactive  SecurityStatus = "INACTIVE"
	SecuritySuspended SecurityStatus = "SUSPENDED"
)

// Temperature is the borrow classification of a security.
type Temperature string

const (
	TemperatureHTB     Temperature = "HTB" // hard to borrow
	TemperatureGC      Temperature = "GC"  // general collateral
	TemperatureUnknown Temperature = "UNKNOWN"
)

// Security is the immutable reference entity every other record points at.
// All cross-entity references use InternalID only; external identifiers
// (ISIN, CUSIP, ...) live in the Identifiers map keyed by scheme.
type Security struct {
	Audit

	InternalID      string            `json:"internal_id"`
	Type            SecurityType      `json:"type"`
	Issuer          string            `json:"issuer,omitempty"`
	Market          string            `json:"market"` // market code, e.g. US, JP, TW
	Status          SecurityStatus    `json:"status"`
	IsBasketProduct bool              `json:"is_basket_product"`
	Identifiers     map[string]string `json:"identifiers,omitempty"` // scheme -> value (ISIN, CUSIP, SEDOL, ...)
	LotSize         decimal.Decimal   `json:"lot_size"`

	LastPrice     decimal.Decimal `json:"last_price"`
	LastPriceTime time.Time       `json:"last_price_time"`
	Temperature   Temperature     `json:"temperature"`
}

// IsActive reports whether the security may participate in calculations.
func (s *Security) IsActive() bool { return s.Status == SecurityActive }

// CounterpartyType classifies a counterparty.
type CounterpartyType string

const (
	CounterpartyClient         CounterpartyType = "CLIENT"
	CounterpartyInternalEntity CounterpartyType = "INTERNAL_ENTITY"
	CounterpartyBroker         CounterpartyType = "BROKER"
	CounterpartyOther          CounterpartyType = "OTHER"
)

// Counterparty is a client, internal entity or broker referenced by
// positions, limits and locate requests.
type Counterparty struct {
	Audit

	CounterpartyID string           `json:"counterparty_id"`
	Name           string           `json:"name"`
	Type           CounterpartyType `json:"type"`
	KYCApproved    bool             `json:"kyc_approved"`
	Status         string           `json:"status"`
}

// AggregationUnit is a regulatory activity-segregation bucket with a market
// affinity and a responsible officer.
type AggregationUnit struct {
	Audit

	AggregationUnitID string `json:"aggregation_unit_id"`
	Name              string `json:"name"`
	Market            string `json:"market"`
	OfficerID         string `json:"officer_id"`
}

// IndexConstituent is one weighted leg of a basket composition.
type IndexConstituent struct {
	SecurityID string          `json:"security_id"`
	Weight     decimal.Decimal `json:"weight"`
}

// IndexComposition links a basket parent to its weighted constituents for a
// validity window. Basket expansion uses the composition effective on the
// event's business date.
type IndexComposition struct {
	Audit

	ParentSecurityID string             `json:"parent_security_id"`
	EffectiveDate    Date               `json:"effective_date"`
	ExpiryDate       Date               `json:"expiry_date,omitempty"`
	Constituents     []IndexConstituent `json:"constituents"`
}

// EffectiveOn reports whether the composition covers the given business date.
func (c *IndexComposition) EffectiveOn(d Date) bool {
	if c.EffectiveDate > d {
		return false
	}
	return c.ExpiryDate.IsZero() || c.ExpiryDate >= d
}
