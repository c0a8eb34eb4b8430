package curve

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// ConstantProduct prices against the invariant yes * no = K. Price is
// convex in trade size (slippage grows with the order), liquidity scales
// with deposits, and there is no fixed-loss ceiling. The general-case curve
// after the constant-sum rollout.
type ConstantProduct struct{}

func (ConstantProduct) Kind() domain.CurveKind { return domain.CurveConstantProduct }

// CostToBuy solves (out - qty) * (other + cost) = K for cost, rounded up:
//
//	cost = ceil(K / (out - qty)) - other
func (ConstantProduct) CostToBuy(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if err := checkTrade(p, qty); err != nil {
		return nil, err
	}
	out := p.Reserve(side)
	if qty.Cmp(out) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	other := p.Reserve(side.opposite())
	k := new(big.Int).Mul(p.Yes, p.No)

	newOut := new(big.Int).Sub(out, qty)
	cost := ceilDiv(k, newOut)
	cost.Sub(cost, other)
	return cost, nil
}

// ProceedsFromSell solves (out + qty) * (other - proceeds) = K; the retained
// opposite reserve is rounded up, so the payout rounds down:
//
//	proceeds = other - ceil(K / (out + qty))
func (ConstantProduct) ProceedsFromSell(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if err := checkTrade(p, qty); err != nil {
		return nil, err
	}
	out := p.Reserve(side)
	other := p.Reserve(side.opposite())
	k := new(big.Int).Mul(p.Yes, p.No)

	newOut := new(big.Int).Add(out, qty)
	retained := ceilDiv(k, newOut)
	proceeds := new(big.Int).Sub(other, retained)
	if proceeds.Sign() < 0 {
		proceeds.SetInt64(0)
	}
	return proceeds, nil
}

// MarginalPrice is the opposite reserve's share: p_yes = no / (yes + no).
func (ConstantProduct) MarginalPrice(p Pool, side Side) decimal.Decimal {
	if p.validate() != nil {
		return decimal.Zero
	}
	total := new(big.Int).Add(p.Yes, p.No)
	return toDecimal(p.Reserve(side.opposite())).Div(toDecimal(total))
}
