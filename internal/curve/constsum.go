package curve

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// ConstantSum prices against the invariant yes + no = K. The price of a
// side is linear in relative reserves:
//
//	p_yes = no / K
//
// so the pool's maximum loss is fixed at pool scale, but there is no depth
// beyond K. Used for the initial market rollout.
type ConstantSum struct{}

func (ConstantSum) Kind() domain.CurveKind { return domain.CurveConstantSum }

// CostToBuy charges the exact linear-price integral, rounded up:
//
//	cost = ceil(qty * (2*other + qty) / (2K))
//
// which is qty times the average of the price before and after the trade.
func (ConstantSum) CostToBuy(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if err := checkTrade(p, qty); err != nil {
		return nil, err
	}
	out := p.Reserve(side)
	if qty.Cmp(out) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	other := p.Reserve(side.opposite())
	k := new(big.Int).Add(p.Yes, p.No)

	num := new(big.Int).Lsh(other, 1) // 2*other
	num.Add(num, qty)
	num.Mul(num, qty)
	return ceilDiv(num, new(big.Int).Lsh(k, 1)), nil
}

// ProceedsFromSell pays the linear-price integral in the other direction,
// rounded down:
//
//	proceeds = floor(qty * (2*other - qty) / (2K))
func (ConstantSum) ProceedsFromSell(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if err := checkTrade(p, qty); err != nil {
		return nil, err
	}
	other := p.Reserve(side.opposite())
	// The opposite reserve funds the payout; selling more than it backs
	// would push the post-trade price negative.
	if qty.Cmp(other) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	k := new(big.Int).Add(p.Yes, p.No)

	num := new(big.Int).Lsh(other, 1) // 2*other
	num.Sub(num, qty)
	num.Mul(num, qty)
	return num.Div(num, new(big.Int).Lsh(k, 1)), nil
}

// MarginalPrice is the relative opposite reserve: p_yes = no/K.
func (ConstantSum) MarginalPrice(p Pool, side Side) decimal.Decimal {
	if p.validate() != nil {
		return decimal.Zero
	}
	k := new(big.Int).Add(p.Yes, p.No)
	return toDecimal(p.Reserve(side.opposite())).Div(toDecimal(k))
}
