// Package curve implements the two-outcome market-maker pricing models a
// participant market can be activated with. Implementations share one
// interface so callers dispatch on the market's stored kind instead of
// branching ad hoc.
//
// All charge/payout math is integer (token minor units, math/big) with the
// rounding bias always in favor of the pool: divisions round up on amounts
// charged and down on amounts paid out, so repeated dust trades cannot drain
// reserves. decimal is used only for display prices.
package curve

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

var (
	// ErrInsufficientLiquidity is returned when a trade asks for output
	// that meets or exceeds the available reserve.
	ErrInsufficientLiquidity = errors.New("curve: insufficient liquidity")

	// ErrInvalidPool is returned for nil or non-positive reserves.
	ErrInvalidPool = errors.New("curve: pool reserves must be positive")

	// ErrInvalidQuantity is returned for nil or non-positive trade sizes.
	ErrInvalidQuantity = errors.New("curve: quantity must be positive")

	// ErrUnknownKind is returned by New for kinds that cannot price a
	// ledger market.
	ErrUnknownKind = errors.New("curve: unknown kind")
)

// Side selects which of the two complementary outcomes a trade touches.
type Side int

const (
	SideYes Side = iota
	SideNo
)

func (s Side) String() string {
	if s == SideYes {
		return "YES"
	}
	return "NO"
}

func (s Side) opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Pool holds the current outcome reserves of one market. For LMSR the same
// fields carry net-sold quantities instead of reserves.
type Pool struct {
	Yes *big.Int
	No  *big.Int
}

// Reserve returns the reserve backing the given side.
func (p Pool) Reserve(s Side) *big.Int {
	if s == SideYes {
		return p.Yes
	}
	return p.No
}

func (p Pool) validate() error {
	if p.Yes == nil || p.No == nil || p.Yes.Sign() <= 0 || p.No.Sign() <= 0 {
		return ErrInvalidPool
	}
	return nil
}

// Curve prices trades for one two-outcome market.
type Curve interface {
	Kind() domain.CurveKind

	// CostToBuy returns the collateral charged for taking qty outcome
	// tokens of side out of the pool. Rounds up.
	CostToBuy(p Pool, side Side, qty *big.Int) (*big.Int, error)

	// ProceedsFromSell returns the collateral paid out for returning qty
	// outcome tokens of side to the pool. Rounds down.
	ProceedsFromSell(p Pool, side Side, qty *big.Int) (*big.Int, error)

	// MarginalPrice returns the instantaneous probability of side in
	// [0, 1], for display and sentiment derivation only.
	MarginalPrice(p Pool, side Side) decimal.Decimal
}

// New returns the curve for a ledger market. LMSR is refused here: its
// exp/log cost function is not safe in fixed-point on-chain arithmetic, so
// it exists for offline simulation only (construct NewLMSR directly).
func New(kind domain.CurveKind) (Curve, error) {
	switch kind {
	case domain.CurveConstantSum:
		return ConstantSum{}, nil
	case domain.CurveConstantProduct:
		return ConstantProduct{}, nil
	case domain.CurveLMSR:
		return nil, fmt.Errorf("%w: lmsr is simulation-only", ErrUnknownKind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func checkTrade(p Pool, qty *big.Int) error {
	if err := p.validate(); err != nil {
		return err
	}
	if qty == nil || qty.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// ceilDiv returns a/b rounded up, for positive a and b.
func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func toDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0)
}
