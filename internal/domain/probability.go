package domain

import "math/big"

// BpsScale is the basis-point denominator: 10000 bps = 100%.
const BpsScale = 10000

var bpsScaleBig = big.NewInt(BpsScale)

// StructuralShareBps computes a participant's structural probability as
// their share of the group total, in basis points, rounded half up.
//
// Formula: bps = round(holding * 10000 / total)
//
// Returns an InvariantError when total <= 0 or holding is negative or
// exceeds total; callers skip the cycle instead of clamping.
func StructuralShareBps(holding, total *big.Int) (int64, error) {
	if total == nil || total.Sign() <= 0 {
		return 0, Invariantf("structural share: group total is zero or negative")
	}
	if holding == nil || holding.Sign() < 0 {
		return 0, Invariantf("structural share: negative holding")
	}
	if holding.Cmp(total) > 0 {
		return 0, Invariantf("structural share: holding %s exceeds total %s", holding, total)
	}

	// (holding*10000 + total/2) / total, floored, gives round half up.
	num := new(big.Int).Mul(holding, bpsScaleBig)
	num.Add(num, new(big.Int).Rsh(total, 1))
	num.Div(num, total)
	return num.Int64(), nil
}

// ClampBps bounds a probability to [0, 10000].
func ClampBps(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > BpsScale {
		return BpsScale
	}
	return v
}

// SumWithinTolerance reports whether a group's structural probabilities sum
// to 10000 within the integer rounding slack of marketCount-1.
func SumWithinTolerance(sum int64, marketCount int) bool {
	if marketCount < 1 {
		return sum == 0
	}
	slack := int64(marketCount - 1)
	diff := sum - BpsScale
	if diff < 0 {
		diff = -diff
	}
	return diff <= slack
}
