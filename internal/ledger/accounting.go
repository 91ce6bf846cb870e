package ledger

import (
	"fmt"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// openCost returns the exact cost of the open quantity. Rows written without
// a cost basis fall back to quantity times average price.
func openCost(p *types.Position) (decimal.Decimal, bool) {
	switch {
	case p.Quantity.IsZero():
		return decimal.Zero, true
	case p.CostBasis.IsPositive():
		return p.CostBasis, true
	case p.AveragePrice.Valid && p.AveragePrice.Decimal.IsPositive():
		return p.Quantity.Abs().Mul(p.AveragePrice.Decimal), true
	}
	return decimal.Zero, false
}

// applyToPosition folds one fill into pos and returns the realized P&L it
// produced. pos is only modified when no error is returned.
//
// P&L is computed from the exact cost basis, never from the rounded average
// price. A partial reduction removes a pro-rata share of the cost; whatever
// that division rounds off stays in the remaining basis, so closing the
// position realizes exactly proceeds minus cost.
func applyToPosition(pos *types.Position, side types.Side, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	id := fmt.Sprintf("%d/%s", pos.AccountID, pos.Symbol)

	if !quantity.IsPositive() || !price.IsPositive() {
		return decimal.Zero, &types.ConsistencyViolation{
			Entity: "position", ID: id,
			Detail: fmt.Sprintf("fill quantity %s and price %s must be positive", quantity, price),
		}
	}

	q := pos.Quantity
	d := quantity.Mul(side.Sign())

	cost, ok := openCost(pos)
	if !ok {
		return decimal.Zero, &types.ConsistencyViolation{
			Entity: "position", ID: id,
			Detail: fmt.Sprintf("open quantity %s has no cost basis", q),
		}
	}

	next := *pos
	realized := decimal.Zero

	if q.IsZero() || q.Sign() == d.Sign() {
		next.Quantity = q.Add(d)
		next.CostBasis = cost.Add(d.Abs().Mul(price))
		next.AveragePrice = decimal.NewNullDecimal(next.CostBasis.DivRound(next.Quantity.Abs(), types.PriceDivisionPrecision))
	} else {
		absQ := q.Abs()
		m := decimal.Min(absQ, d.Abs())
		removed := cost
		if m.LessThan(absQ) {
			removed = cost.Mul(m).DivRound(absQ, types.PriceDivisionPrecision)
		}
		realized = m.Mul(price).Sub(removed).Mul(decimal.NewFromInt(int64(q.Sign())))
		next.RealizedPnl = pos.RealizedPnl.Add(realized)
		next.Quantity = q.Add(d)

		switch d.Abs().Cmp(absQ) {
		case -1:
			// average price is unchanged by a reduction
			next.CostBasis = cost.Sub(removed)
		case 0:
			next.CostBasis = decimal.Zero
			next.AveragePrice = decimal.NullDecimal{}
		case 1:
			next.CostBasis = d.Abs().Sub(absQ).Mul(price)
			next.AveragePrice = decimal.NewNullDecimal(price)
		}
	}

	if err := checkPosition(&next, q.Add(d)); err != nil {
		return decimal.Zero, err
	}

	*pos = next
	return realized, nil
}

func checkPosition(p *types.Position, wantQty decimal.Decimal) error {
	id := fmt.Sprintf("%d/%s", p.AccountID, p.Symbol)
	switch {
	case !p.Quantity.Equal(wantQty):
		return &types.ConsistencyViolation{Entity: "position", ID: id,
			Detail: fmt.Sprintf("quantity %s, expected %s", p.Quantity, wantQty)}
	case p.Quantity.IsZero() && (p.AveragePrice.Valid || !p.CostBasis.IsZero()):
		return &types.ConsistencyViolation{Entity: "position", ID: id,
			Detail: fmt.Sprintf("flat position carries average price %v and cost %s", p.AveragePrice, p.CostBasis)}
	case !p.Quantity.IsZero() && (!p.AveragePrice.Valid || !p.AveragePrice.Decimal.IsPositive()):
		return &types.ConsistencyViolation{Entity: "position", ID: id,
			Detail: fmt.Sprintf("open position has invalid average price %v", p.AveragePrice)}
	case !p.Quantity.IsZero() && !p.CostBasis.IsPositive():
		return &types.ConsistencyViolation{Entity: "position", ID: id,
			Detail: fmt.Sprintf("open position has invalid cost basis %s", p.CostBasis)}
	}
	return nil
}

// Valuate derives market value and unrealized P&L. It never mutates p.
// A flat position reports zero for both; an unknown price reports neither.
func Valuate(p types.Position, price decimal.NullDecimal) types.Valuation {
	if !price.Valid {
		return types.Valuation{}
	}
	v := types.Valuation{MarketPrice: price}
	cost, ok := openCost(&p)
	if p.IsFlat() || !ok {
		v.MarketValue = decimal.NewNullDecimal(decimal.Zero)
		v.UnrealizedPnl = decimal.NewNullDecimal(decimal.Zero)
		return v
	}
	v.MarketValue = decimal.NewNullDecimal(p.Quantity.Mul(price.Decimal))
	sign := decimal.NewFromInt(int64(p.Quantity.Sign()))
	v.UnrealizedPnl = decimal.NewNullDecimal(p.Quantity.Abs().Mul(price.Decimal).Sub(cost).Mul(sign))
	return v
}
