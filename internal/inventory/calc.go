package inventory

import (
	"context"

	"github.com/shopspring/decimal"

	"ims/internal/domain"
)

// compute derives the raw quantity for one calculation type before rules and
// reservations apply. The boolean is false when the calculation produces no
// record at all (distinct from a zero-quantity record).
func (e *Engine) compute(ctx context.Context, security *domain.Security, date domain.Date, calcType domain.CalculationType) (decimal.Decimal, bool, error) {
	positions, err := e.stores.Positions.ListBySecurityDate(ctx, security.InternalID, date)
	if err != nil {
		return decimal.Zero, false, err
	}
	contracts, err := e.stores.Contracts.OpenBySecurityDate(ctx, security.InternalID, date)
	if err != nil {
		return decimal.Zero, false, err
	}
	policy := e.policies.Policy(security.Market)

	switch calcType {
	case domain.CalcForLoan:
		qty := lendableSettled(positions)
		qty = qty.Add(contractQty(contracts, "BORROW")).Sub(contractQty(contracts, "LOAN"))
		return floorZero(qty), true, nil

	case domain.CalcForPledge:
		qty := lendableSettled(positions).Sub(contractQty(contracts, "PLEDGE"))
		return floorZero(qty), true, nil

	case domain.CalcLongSell:
		qty := decimal.Zero
		for _, pos := range positions {
			if pos.IsLong() {
				qty = qty.Add(floorZero(pos.SettledQty))
			}
		}
		return qty, true, nil

	case domain.CalcShortSell:
		qty := lendableSettled(positions)
		qty = qty.Add(contractQty(contracts, "BORROW"))
		if policy.ShortSellIncludesPledge {
			pledge := lendableSettled(positions).Sub(contractQty(contracts, "PLEDGE"))
			qty = qty.Add(floorZero(pledge))
		}
		if policy.ExcludeBorrowedRelending {
			qty = qty.Sub(borrowedQuantity(positions))
			qty = qty.Sub(contractQty(contracts, "BORROW"))
		}
		external, err := e.stores.External.Total(ctx, security.InternalID, date)
		if err != nil {
			return decimal.Zero, false, err
		}
		return floorZero(qty).Add(external), true, nil

	case domain.CalcLocate:
		qty := lendableSettled(positions)
		qty = qty.Add(contractQty(contracts, "BORROW")).Sub(contractQty(contracts, "LOAN"))
		if policy.ExcludeBorrowedRelending {
			qty = qty.Sub(borrowedQuantity(positions))
			qty = qty.Sub(contractQty(contracts, "BORROW"))
		}
		external, err := e.stores.External.Total(ctx, security.InternalID, date)
		if err != nil {
			return decimal.Zero, false, err
		}
		return floorZero(qty).Add(external), true, nil

	case domain.CalcOverborrow:
		excess := overborrowExcess(positions)
		if excess.Sign() <= 0 {
			return decimal.Zero, false, nil
		}
		return excess, true, nil
	}

	return decimal.Zero, false, domain.NewPermanent(
		"unknown calculation type "+string(calcType), nil)
}

// lendableSettled sums the settled quantity of long, hypothecatable,
// unreserved positions.
func lendableSettled(positions []*domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		if !pos.IsLong() || !pos.IsHypothecatable || pos.IsReserved {
			continue
		}
		total = total.Add(floorZero(pos.SettledQty))
	}
	return total
}

// borrowedQuantity sums the current net of borrowed-provenance positions.
func borrowedQuantity(positions []*domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		if pos.Provenance == domain.ProvenanceBorrowed {
			total = total.Add(floorZero(pos.CurrentNetPosition))
		}
	}
	return total
}

// overborrowExcess is the borrowed quantity no longer required: what is held
// under borrowed provenance minus the projected short exposure it covers.
// Buy-backs shrink the exposure, leaving the surplus borrow as excess.
func overborrowExcess(positions []*domain.Position) decimal.Decimal {
	borrowed := decimal.Zero
	projected := decimal.Zero
	for _, pos := range positions {
		projected = projected.Add(pos.ProjectedNetPosition)
		if pos.Provenance == domain.ProvenanceBorrowed {
			borrowed = borrowed.Add(floorZero(pos.CurrentNetPosition))
		}
	}
	required := decimal.Zero
	if projected.Sign() < 0 {
		required = projected.Neg()
	}
	return borrowed.Sub(required)
}

func contractQty(contracts []*domain.Contract, contractType string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range contracts {
		if c.ContractType == contractType {
			total = total.Add(c.Quantity)
		}
	}
	return total
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}
