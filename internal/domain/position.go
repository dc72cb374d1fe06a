package domain

import "github.com/shopspring/decimal"

// LadderDepth is the fixed depth of the settlement ladder: offsets 0..4
// calendar days from the business date. Receipts and deliveries settling
// outside that window are silently ignored.
const LadderDepth = 5

// CalculationStatus tracks whether a position's derived fields are current.
type CalculationStatus string

const (
	CalcPending CalculationStatus = "PENDING"
	CalcValid   CalculationStatus = "VALID"
	CalcError   CalculationStatus = "ERROR"
)

// PositionKey identifies the single active position record for a book,
// security and business date.
type PositionKey struct {
	BookID       string `json:"book_id"`
	SecurityID   string `json:"security_id"`
	BusinessDate Date   `json:"business_date"`
}

func (k PositionKey) String() string {
	return k.BookID + "|" + k.SecurityID + "|" + string(k.BusinessDate)
}

// PositionProvenance records how the position came to be held. Borrowed
// provenance matters to the Taiwan re-lending restriction and to overborrow
// identification.
type PositionProvenance string

const (
	ProvenanceNone     PositionProvenance = ""
	ProvenanceBorrowed PositionProvenance = "BORROWED"
	ProvenanceOwned    PositionProvenance = "OWNED"
)

// Position is the per-key position state: contractual and settled
// quantities plus a fixed-depth settlement ladder of projected deliveries
// and receipts. Mutated only by the position engine, under the key's
// exclusive lock. Never deleted: the terminal state is a fresh record for
// the next business date.
type Position struct {
	Audit

	Key PositionKey `json:"key"`

	ContractualQty decimal.Decimal `json:"contractual_qty"`
	SettledQty     decimal.Decimal `json:"settled_qty"`

	// Ladder slots are non-negative; slot o settles on BusinessDate+o.
	Deliver [LadderDepth]decimal.Decimal `json:"deliver"`
	Receipt [LadderDepth]decimal.Decimal `json:"receipt"`

	IsHypothecatable bool               `json:"is_hypothecatable"`
	IsReserved       bool               `json:"is_reserved"`
	IsStartOfDay     bool               `json:"is_start_of_day"`
	Provenance       PositionProvenance `json:"provenance,omitempty"`

	// Derived fields, recomputed by Recalculate after every mutation.
	NetSettlementToday   decimal.Decimal `json:"net_settlement_today"`
	TotalDeliveries      decimal.Decimal `json:"total_deliveries"`
	TotalReceipts        decimal.Decimal `json:"total_receipts"`
	ProjectedSettledQty  decimal.Decimal `json:"projected_settled_qty"`
	CurrentNetPosition   decimal.Decimal `json:"current_net_position"`
	ProjectedNetPosition decimal.Decimal `json:"projected_net_position"`

	CalculationStatus CalculationStatus `json:"calculation_status"`
	CalculationDate   Date              `json:"calculation_date"`
}

// NewPosition creates a zeroed position for a key. Fresh positions are
// hypothecatable until reference data says otherwise.
func NewPosition(key PositionKey) *Position {
	return &Position{
		Key:               key,
		IsHypothecatable:  true,
		CalculationStatus: CalcPending,
	}
}

// Recalculate rebuilds every derived field from the primary ones and marks
// the position Valid as of the given business date.
func (p *Position) Recalculate(businessDate Date) {
	p.NetSettlementToday = p.Receipt[0].Sub(p.Deliver[0])

	total := decimal.Zero
	for i := 0; i < LadderDepth; i++ {
		total = total.Add(p.Deliver[i])
	}
	p.TotalDeliveries = total

	total = decimal.Zero
	for i := 0; i < LadderDepth; i++ {
		total = total.Add(p.Receipt[i])
	}
	p.TotalReceipts = total

	p.ProjectedSettledQty = p.SettledQty.Add(p.NetSettlementToday)
	p.CurrentNetPosition = p.SettledQty.Add(p.ContractualQty)
	p.ProjectedNetPosition = p.CurrentNetPosition.Add(p.TotalReceipts.Sub(p.TotalDeliveries))

	p.CalculationStatus = CalcValid
	p.CalculationDate = businessDate
}

// IsLong reports whether the projected net position is positive.
func (p *Position) IsLong() bool {
	return p.CurrentNetPosition.Sign() > 0
}

// Ladder returns the settlement-ladder view over this position.
func (p *Position) Ladder() SettlementLadder {
	return SettlementLadder{position: p}
}

// SettlementLadder is a view over a position's ladder fields.
type SettlementLadder struct {
	position *Position
}

// NetForDay returns receipt minus delivery for a ladder offset. Offsets
// outside [0, LadderDepth) yield zero.
func (l SettlementLadder) NetForDay(offset int) decimal.Decimal {
	if offset < 0 || offset >= LadderDepth {
		return decimal.Zero
	}
	return l.position.Receipt[offset].Sub(l.position.Deliver[offset])
}

// SettlementDateForDay maps a ladder offset to its calendar date.
func (l SettlementLadder) SettlementDateForDay(offset int) Date {
	return l.position.Key.BusinessDate.AddDays(offset)
}

// AddReceipt accumulates a receipt settling on the given date. Dates outside
// the ladder window are silently ignored.
func (l SettlementLadder) AddReceipt(settlementDate Date, qty decimal.Decimal) {
	if offset, ok := l.offsetFor(settlementDate); ok {
		l.position.Receipt[offset] = l.position.Receipt[offset].Add(qty)
	}
}

// AddDelivery accumulates a delivery settling on the given date. Dates
// outside the ladder window are silently ignored.
func (l SettlementLadder) AddDelivery(settlementDate Date, qty decimal.Decimal) {
	if offset, ok := l.offsetFor(settlementDate); ok {
		l.position.Deliver[offset] = l.position.Deliver[offset].Add(qty)
	}
}

func (l SettlementLadder) offsetFor(settlementDate Date) (int, bool) {
	offset := l.position.Key.BusinessDate.DaysUntil(settlementDate)
	if offset < 0 || offset >= LadderDepth {
		return 0, false
	}
	return offset, true
}
