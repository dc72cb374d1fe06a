package position

import (
	"context"

	"github.com/shopspring/decimal"

	"ims/internal/domain"
)

type tradeLeg struct {
	securityID string
	quantity   decimal.Decimal
}

// expandTrade turns a basket trade into its constituent legs using the
// composition effective on the business date. Non-basket trades and trades
// without the expand flag pass through as a single leg.
func (e *Engine) expandTrade(ctx context.Context, securityID string, date domain.Date, trade *domain.TradePayload) ([]tradeLeg, error) {
	if !trade.Expand {
		return []tradeLeg{{securityID: securityID, quantity: trade.Quantity}}, nil
	}

	security, err := e.stores.Securities.Get(ctx, securityID)
	if err != nil {
		return nil, err
	}
	if security == nil {
		return nil, domain.NewValidation("unknown security " + securityID)
	}
	if !security.IsBasketProduct {
		return []tradeLeg{{securityID: securityID, quantity: trade.Quantity}}, nil
	}

	composition, err := e.stores.Compositions.EffectiveOn(ctx, securityID, date)
	if err != nil {
		return nil, err
	}
	if composition == nil {
		return nil, domain.NewValidation(
			"no composition effective for basket " + securityID + " on " + string(date))
	}

	legs := make([]tradeLeg, 0, len(composition.Constituents))
	for _, constituent := range composition.Constituents {
		qty := trade.Quantity.Mul(constituent.Weight)

		lot := decimal.New(1, 0)
		if cs, err := e.stores.Securities.Get(ctx, constituent.SecurityID); err != nil {
			return nil, err
		} else if cs != nil && cs.LotSize.Sign() > 0 {
			lot = cs.LotSize
		}
		// Round to the nearest whole lot, half to even.
		qty = qty.Div(lot).RoundBank(0).Mul(lot)
		if qty.Sign() == 0 {
			continue
		}
		legs = append(legs, tradeLeg{securityID: constituent.SecurityID, quantity: qty})
	}
	return legs, nil
}
