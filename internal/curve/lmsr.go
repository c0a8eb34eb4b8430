package curve

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// ErrInvalidLiquidity is returned when the LMSR liquidity parameter b <= 0.
var ErrInvalidLiquidity = errors.New("curve: lmsr liquidity parameter b must be positive")

// LMSR is Hanson's logarithmic market scoring rule. Its cost function
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// needs exponentials and logarithms that are expensive and overflow-prone
// in on-chain fixed-point arithmetic, so no ledger market is ever created
// with it. It is kept for offline simulation, where its bounded loss
// (b*ln 2) and infinite depth make a useful baseline against the two
// deployable curves.
//
// Pool fields are interpreted as net-sold quantities, not reserves.
type LMSR struct {
	b decimal.Decimal
}

// NewLMSR builds a simulation market maker with liquidity parameter b.
// Higher b means deeper liquidity and lower price impact per trade.
func NewLMSR(b decimal.Decimal) (*LMSR, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &LMSR{b: b}, nil
}

func (*LMSR) Kind() domain.CurveKind { return domain.CurveLMSR }

// B returns the liquidity parameter.
func (m *LMSR) B() decimal.Decimal { return m.b }

// MaxLoss is the worst case the market maker can pay out: b * ln(2).
func (m *LMSR) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Ln2)
}

// CostToBuy charges C(q + delta) - C(q), rounded up to whole minor units.
func (m *LMSR) CostToBuy(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if qty == nil || qty.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	diff := m.costDiff(p, side, qty)
	return diff.Ceil().BigInt(), nil
}

// ProceedsFromSell pays C(q) - C(q - delta), rounded down. Selling more
// than the net-sold quantity of the side would repurchase tokens the pool
// never issued.
func (m *LMSR) ProceedsFromSell(p Pool, side Side, qty *big.Int) (*big.Int, error) {
	if qty == nil || qty.Sign() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if p.Reserve(side) == nil || qty.Cmp(p.Reserve(side)) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	neg := new(big.Int).Neg(qty)
	diff := m.costDiff(p, side, neg)
	return diff.Neg().Floor().BigInt(), nil
}

// MarginalPrice is the softmax of the net quantities:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
func (m *LMSR) MarginalPrice(p Pool, side Side) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qOwn := bigFloat(p.Reserve(side)) / bf
	qOther := bigFloat(p.Reserve(side.opposite())) / bf

	// Subtract the max before exponentiating so large quantities cannot
	// overflow float64.
	shift := math.Max(qOwn, qOther)
	expOwn := math.Exp(qOwn - shift)
	expOther := math.Exp(qOther - shift)
	return decimal.NewFromFloat(expOwn / (expOwn + expOther))
}

// costDiff returns C(after) - C(before) with delta applied to side.
func (m *LMSR) costDiff(p Pool, side Side, delta *big.Int) decimal.Decimal {
	qYes := bigFloat(p.Yes)
	qNo := bigFloat(p.No)
	before := m.costAt(qYes, qNo)

	d := bigFloat(delta)
	if side == SideYes {
		qYes += d
	} else {
		qNo += d
	}
	return decimal.NewFromFloat(m.costAt(qYes, qNo) - before)
}

// costAt evaluates C(q) = b*logSumExp(qYes/b, qNo/b).
func (m *LMSR) costAt(qYes, qNo float64) float64 {
	bf := m.b.InexactFloat64()
	return bf * logSumExp(qYes/bf, qNo/bf)
}

// logSumExp computes ln(e^a + e^b) with the max subtracted first, keeping
// exp arguments in (-inf, 0] so float64 never overflows.
func logSumExp(a, b float64) float64 {
	shift := math.Max(a, b)
	return shift + math.Log(math.Exp(a-shift)+math.Exp(b-shift))
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
