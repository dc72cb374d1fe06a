package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the tag of the event variant.
type EventKind string

const (
	EventReference EventKind = "REFERENCE"
	EventMarket    EventKind = "MARKET"
	EventTrade     EventKind = "TRADE"
	EventContract  EventKind = "CONTRACT"
	EventPosition  EventKind = "POSITION"
	EventInventory EventKind = "INVENTORY"
	EventLocate    EventKind = "LOCATE"
	EventWorkflow  EventKind = "WORKFLOW"
)

// Event subtypes. The dispatcher routes on these.
const (
	SubtypePriceUpdate          = "PRICE_UPDATE"
	SubtypeNAVUpdate            = "NAV_UPDATE"
	SubtypeVolatilityUpdate     = "VOLATILITY_UPDATE"
	SubtypeTrade                = "TRADE"
	SubtypeStartOfDay           = "START_OF_DAY"
	SubtypePositionUpdate       = "POSITION_UPDATE"
	SubtypeSettlementLadder     = "SETTLEMENT_LADDER_UPDATE"
	SubtypeContractOpen         = "CONTRACT_OPEN"
	SubtypeContractUpdate       = "CONTRACT_UPDATE"
	SubtypeContractClose        = "CONTRACT_CLOSE"
	SubtypeLocateSubmit         = "LOCATE_SUBMIT"
	SubtypeLocateApprove        = "LOCATE_APPROVE"
	SubtypeLocateReject         = "LOCATE_REJECT"
	SubtypeLocateCancel         = "LOCATE_CANCEL"
	SubtypeLocateExpire         = "LOCATE_EXPIRE"
	SubtypeSecurityUpsert       = "SECURITY_UPSERT"
	SubtypeCounterpartyUpsert   = "COUNTERPARTY_UPSERT"
	SubtypeAggregationUnit      = "AGGREGATION_UNIT_UPSERT"
	SubtypeIndexComposition     = "INDEX_COMPOSITION_UPSERT"
	SubtypeExternalAvailability = "EXTERNAL_AVAILABILITY"

	// Egress subtypes.
	SubtypePositionUpdated  = "POSITION_UPDATED"
	SubtypeInventoryUpdated = "INVENTORY_UPDATED"
	SubtypeLocateApproved   = "LOCATE_APPROVED"
	SubtypeLocateRejected   = "LOCATE_REJECTED"
	SubtypeLocateExpired    = "LOCATE_EXPIRED"
	SubtypeOrderValidated   = "ORDER_VALIDATED"
)

// EventPayload is implemented by every typed event payload.
type EventPayload interface {
	// Kind returns the event kind this payload belongs to.
	Kind() EventKind
}

// Event is the common envelope for every ingress and egress message.
// SecurityID doubles as the partition key: all events carrying the same
// security are processed in producer order.
type Event struct {
	EventID        string    `json:"event_id"`
	Kind           EventKind `json:"event_type"`
	SubType        string    `json:"event_sub_type"`
	EffectiveTime  time.Time `json:"effective_time"`
	BusinessDate   Date      `json:"business_date"`
	SourceSystem   string    `json:"source_system"`
	SecurityID     string    `json:"security_id,omitempty"`
	ProducerOffset int64     `json:"producer_offset,omitempty"`

	Payload EventPayload `json:"payload,omitempty"`
}

// MarketDataPayload carries a price, NAV or volatility update.
type MarketDataPayload struct {
	Price       decimal.Decimal `json:"price"`
	Temperature Temperature     `json:"temperature,omitempty"`
}

func (p *MarketDataPayload) Kind() EventKind { return EventMarket }

// TradePayload carries a trade delta. Quantity is signed: positive buys,
// negative sells. Expand requests basket fan-out to constituents.
type TradePayload struct {
	BookID         string             `json:"book_id"`
	Quantity       decimal.Decimal    `json:"quantity"`
	SettlementDate Date               `json:"settlement_date"`
	Expand         bool               `json:"expand,omitempty"`
	Provenance     PositionProvenance `json:"provenance,omitempty"`
}

func (p *TradePayload) Kind() EventKind { return EventTrade }

// StartOfDayPayload snapshots the prior end-of-day into a new business date.
type StartOfDayPayload struct {
	BookID         string          `json:"book_id"`
	SettledQty     decimal.Decimal `json:"settled_qty"`
	ContractualQty decimal.Decimal `json:"contractual_qty"`
}

func (p *StartOfDayPayload) Kind() EventKind { return EventPosition }

// PositionDeltaPayload mutates settled/contractual quantities and/or one
// settlement-ladder slot directly.
type PositionDeltaPayload struct {
	BookID           string             `json:"book_id"`
	SettledDelta     decimal.Decimal    `json:"settled_delta"`
	ContractualDelta decimal.Decimal    `json:"contractual_delta"`
	ReceiptDelta     decimal.Decimal    `json:"receipt_delta"`
	DeliverDelta     decimal.Decimal    `json:"deliver_delta"`
	SettlementDate   Date               `json:"settlement_date,omitempty"`
	Provenance       PositionProvenance `json:"provenance,omitempty"`
}

func (p *PositionDeltaPayload) Kind() EventKind { return EventPosition }

// ContractPayload carries a financing contract lifecycle change.
type ContractPayload struct {
	Contract Contract `json:"contract"`
}

func (p *ContractPayload) Kind() EventKind { return EventContract }

// LocatePayload carries a locate lifecycle command.
type LocatePayload struct {
	Request    LocateRequest   `json:"request"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	Quantity   decimal.Decimal `json:"quantity,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

func (p *LocatePayload) Kind() EventKind { return EventLocate }

// ReferencePayload carries a reference-data upsert. Exactly one field is
// set, matching the subtype.
type ReferencePayload struct {
	Security        *Security         `json:"security,omitempty"`
	Counterparty    *Counterparty     `json:"counterparty,omitempty"`
	AggregationUnit *AggregationUnit  `json:"aggregation_unit,omitempty"`
	Composition     *IndexComposition `json:"composition,omitempty"`
}

func (p *ReferencePayload) Kind() EventKind { return EventReference }

// ExternalAvailabilityPayload carries an external lender quantity.
type ExternalAvailabilityPayload struct {
	Availability ExternalAvailability `json:"availability"`
}

func (p *ExternalAvailabilityPayload) Kind() EventKind { return EventInventory }

// PositionUpdatedPayload is the egress notification for a position write.
type PositionUpdatedPayload struct {
	Position Position `json:"position"`
}

func (p *PositionUpdatedPayload) Kind() EventKind { return EventPosition }

// InventoryUpdatedPayload is the egress notification for an availability
// write.
type InventoryUpdatedPayload struct {
	Availability InventoryAvailability `json:"availability"`
}

func (p *InventoryUpdatedPayload) Kind() EventKind { return EventInventory }

// LocateDecisionPayload is the egress notification for a locate decision.
type LocateDecisionPayload struct {
	Request LocateRequest `json:"request"`
}

func (p *LocateDecisionPayload) Kind() EventKind { return EventLocate }

// OrderValidatedPayload is the egress notification for a completed
// short-sell or long-sell validation.
type OrderValidatedPayload struct {
	Order  Order            `json:"order"`
	Result ValidationResult `json:"result"`
}

func (p *OrderValidatedPayload) Kind() EventKind { return EventWorkflow }

// payloadFor maps a subtype to an empty payload value for decoding.
func payloadFor(subType string) EventPayload {
	switch subType {
	case SubtypePriceUpdate, SubtypeNAVUpdate, SubtypeVolatilityUpdate:
		return &MarketDataPayload{}
	case SubtypeTrade:
		return &TradePayload{}
	case SubtypeStartOfDay:
		return &StartOfDayPayload{}
	case SubtypePositionUpdate, SubtypeSettlementLadder:
		return &PositionDeltaPayload{}
	case SubtypeContractOpen, SubtypeContractUpdate, SubtypeContractClose:
		return &ContractPayload{}
	case SubtypeLocateSubmit, SubtypeLocateApprove, SubtypeLocateReject,
		SubtypeLocateCancel, SubtypeLocateExpire:
		return &LocatePayload{}
	case SubtypeSecurityUpsert, SubtypeCounterpartyUpsert,
		SubtypeAggregationUnit, SubtypeIndexComposition:
		return &ReferencePayload{}
	case SubtypeExternalAvailability:
		return &ExternalAvailabilityPayload{}
	case SubtypePositionUpdated:
		return &PositionUpdatedPayload{}
	case SubtypeInventoryUpdated:
		return &InventoryUpdatedPayload{}
	case SubtypeLocateApproved, SubtypeLocateRejected, SubtypeLocateExpired:
		return &LocateDecisionPayload{}
	case SubtypeOrderValidated:
		return &OrderValidatedPayload{}
	default:
		return nil
	}
}

// MarshalJSON serializes the envelope with the payload inlined as a typed
// JSON document.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	aux := &struct {
		Payload json.RawMessage `json:"payload,omitempty"`
		*alias
	}{alias: (*alias)(e)}

	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		aux.Payload = raw
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the envelope and picks the payload type from the
// subtype registry. Unknown subtypes leave the payload nil.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := &struct {
		Payload json.RawMessage `json:"payload,omitempty"`
		*alias
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 {
		return nil
	}

	payload := payloadFor(e.SubType)
	if payload == nil {
		return fmt.Errorf("unknown event subtype %q", e.SubType)
	}
	if err := json.Unmarshal(aux.Payload, payload); err != nil {
		return err
	}
	e.Payload = payload
	return nil
}
