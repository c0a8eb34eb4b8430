// Package sim replays a scripted trade sequence against constant-sum,
// constant-product and LMSR makers seeded with the same funding and reports
// cost, slippage and capital at risk side by side. This is the sanctioned
// home of the LMSR maker, which is never deployed on the ledger.
package sim

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/curve"
	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Step is one scripted trade.
type Step struct {
	Side curve.Side
	Buy  bool
	Qty  *big.Int
}

func (s Step) label() string {
	verb := "SELL"
	if s.Buy {
		verb = "BUY"
	}
	return fmt.Sprintf("%s %s %s", verb, s.Side, s.Qty)
}

// StepResult is one trade against one curve. A rejected trade keeps its row
// with Err set and leaves the pool untouched.
type StepResult struct {
	Collateral  *big.Int
	PriceYes    decimal.Decimal // YES marginal price after the trade
	SlippageBps int64
	Err         error
}

// CurveRun aggregates one curve's pass over the script.
type CurveRun struct {
	Kind           domain.CurveKind
	Steps          []StepResult
	Executed       int
	Rejected       int
	CollateralIn   *big.Int
	CollateralOut  *big.Int
	FinalYes       decimal.Decimal
	AvgSlippageBps int64
	MaxLoss        *big.Int // worst case the pool can pay out
}

// Report is one full simulation run.
type Report struct {
	ID      string
	At      time.Time
	Funding *big.Int
	Script  []Step
	Runs    []CurveRun
}

// DefaultScript is a momentum-then-pullback sequence sized relative to the
// funding, the same shape for every curve so reports stay comparable.
func DefaultScript(funding *big.Int) []Step {
	type leg struct {
		side curve.Side
		buy  bool
		pct  int64
	}
	legs := []leg{
		{curve.SideYes, true, 5},
		{curve.SideYes, true, 10},
		{curve.SideNo, true, 8},
		{curve.SideYes, false, 6},
		{curve.SideYes, true, 12},
		{curve.SideNo, true, 10},
		{curve.SideNo, false, 5},
		{curve.SideYes, true, 15},
		{curve.SideYes, false, 4},
		{curve.SideNo, true, 7},
	}

	steps := make([]Step, 0, len(legs))
	for _, l := range legs {
		qty := new(big.Int).Mul(funding, big.NewInt(l.pct))
		qty.Div(qty, big.NewInt(100))
		if qty.Sign() <= 0 {
			qty = big.NewInt(1)
		}
		steps = append(steps, Step{Side: l.side, Buy: l.buy, Qty: qty})
	}
	return steps
}

// Run replays the script against the three curve families. The LMSR
// liquidity parameter is calibrated as funding/ln2, so its bounded worst
// case equals the collateral the reserve pools put at risk.
func Run(funding *big.Int, script []Step) (Report, error) {
	if funding == nil || funding.Sign() <= 0 {
		return Report{}, fmt.Errorf("sim.Run: funding must be positive")
	}
	if len(script) == 0 {
		return Report{}, fmt.Errorf("sim.Run: empty trade script")
	}

	id := uuid.NewString()
	slog.Info("sim: run started", "id", id, "funding", funding, "steps", len(script))

	rep := Report{ID: id, At: time.Now().UTC(), Funding: funding, Script: script}

	for _, kind := range []domain.CurveKind{domain.CurveConstantSum, domain.CurveConstantProduct} {
		cv, err := curve.New(kind)
		if err != nil {
			return Report{}, fmt.Errorf("sim.Run: %w", err)
		}
		pool := curve.Pool{Yes: new(big.Int).Set(funding), No: new(big.Int).Set(funding)}
		rep.Runs = append(rep.Runs, runCurve(cv, pool, script, new(big.Int).Set(funding)))
	}

	fund, _ := new(big.Float).SetInt(funding).Float64()
	lmsr, err := curve.NewLMSR(decimal.NewFromFloat(fund / math.Ln2))
	if err != nil {
		return Report{}, fmt.Errorf("sim.Run: %w", err)
	}
	lmsrPool := curve.Pool{Yes: big.NewInt(0), No: big.NewInt(0)}
	rep.Runs = append(rep.Runs, runCurve(lmsr, lmsrPool, script, lmsr.MaxLoss().Ceil().BigInt()))

	slog.Info("sim: run complete", "id", id, "curves", len(rep.Runs))
	return rep, nil
}

func runCurve(cv curve.Curve, pool curve.Pool, script []Step, maxLoss *big.Int) CurveRun {
	run := CurveRun{
		Kind:          cv.Kind(),
		CollateralIn:  new(big.Int),
		CollateralOut: new(big.Int),
		MaxLoss:       maxLoss,
	}

	var slipSum, slipN int64
	for _, st := range script {
		res := applyStep(cv, &pool, st)
		run.Steps = append(run.Steps, res)
		if res.Err != nil {
			run.Rejected++
			continue
		}
		run.Executed++
		if st.Buy {
			run.CollateralIn.Add(run.CollateralIn, res.Collateral)
		} else {
			run.CollateralOut.Add(run.CollateralOut, res.Collateral)
		}
		slipSum += res.SlippageBps
		slipN++
	}
	if slipN > 0 {
		run.AvgSlippageBps = slipSum / slipN
	}
	run.FinalYes = cv.MarginalPrice(pool, curve.SideYes)
	return run
}

// applyStep executes one trade locally. The engine never executes trades
// itself; the pool updates here mirror what the market contract does, with
// the LMSR fields tracking net-sold quantities instead of reserves.
func applyStep(cv curve.Curve, pool *curve.Pool, st Step) StepResult {
	mid := cv.MarginalPrice(*pool, st.Side)

	var collateral *big.Int
	var err error
	if st.Buy {
		collateral, err = cv.CostToBuy(*pool, st.Side, st.Qty)
	} else {
		collateral, err = cv.ProceedsFromSell(*pool, st.Side, st.Qty)
	}
	if err != nil {
		return StepResult{Err: err}
	}

	advance(cv.Kind(), pool, st, collateral)
	return StepResult{
		Collateral:  collateral,
		PriceYes:    cv.MarginalPrice(*pool, curve.SideYes),
		SlippageBps: slippageBps(mid, collateral, st),
	}
}

func advance(kind domain.CurveKind, pool *curve.Pool, st Step, collateral *big.Int) {
	side := pool.Reserve(st.Side)
	other := pool.Yes
	if st.Side == curve.SideYes {
		other = pool.No
	}

	switch kind {
	case domain.CurveLMSR:
		// Net-sold bookkeeping: buys issue tokens, sells retire them.
		if st.Buy {
			side.Add(side, st.Qty)
		} else {
			side.Sub(side, st.Qty)
		}
	case domain.CurveConstantSum:
		// yes + no stays fixed: the bought side leaves, its complement enters.
		if st.Buy {
			side.Sub(side, st.Qty)
			other.Add(other, st.Qty)
		} else {
			side.Add(side, st.Qty)
			other.Sub(other, st.Qty)
		}
	case domain.CurveConstantProduct:
		// Bought tokens leave; the charge joins the opposite reserve, so the
		// ceil rounding keeps yes*no at or above the seeded invariant.
		if st.Buy {
			side.Sub(side, st.Qty)
			other.Add(other, collateral)
		} else {
			side.Add(side, st.Qty)
			other.Sub(other, collateral)
		}
	}
}

// slippageBps measures execution price against the pre-trade marginal
// price, positive when the trader got the worse side of the move.
func slippageBps(mid decimal.Decimal, collateral *big.Int, st Step) int64 {
	if mid.Sign() <= 0 || st.Qty.Sign() <= 0 {
		return 0
	}
	exec := decimal.NewFromBigInt(collateral, 0).Div(decimal.NewFromBigInt(st.Qty, 0))
	diff := exec.Sub(mid)
	if !st.Buy {
		diff = mid.Sub(exec)
	}
	return diff.Div(mid).Mul(decimal.NewFromInt(domain.BpsScale)).Round(0).IntPart()
}

// Render prints the comparison: one summary row per curve, then the scripted
// trades with each curve's charge and the YES price it left behind.
func Render(w io.Writer, rep Report) {
	fmt.Fprintf(w, "\nCURVE SIMULATION %s\nfunding=%s trades=%d at=%s\n\n",
		rep.ID, rep.Funding, len(rep.Script), rep.At.Format(time.RFC3339))

	summary := tablewriter.NewWriter(w)
	summary.Header("Curve", "Executed", "Rejected", "In", "Out", "Final YES", "Avg Slip (bps)", "Max Pool Loss")
	for _, run := range rep.Runs {
		summary.Append(
			string(run.Kind),
			fmt.Sprintf("%d", run.Executed),
			fmt.Sprintf("%d", run.Rejected),
			run.CollateralIn.String(),
			run.CollateralOut.String(),
			run.FinalYes.StringFixed(4),
			fmt.Sprintf("%d", run.AvgSlippageBps),
			run.MaxLoss.String(),
		)
	}
	summary.Render()

	fmt.Fprintln(w)
	detail := tablewriter.NewWriter(w)
	detail.Header("#", "Trade", "CS cost", "CS YES", "CP cost", "CP YES", "LMSR cost", "LMSR YES")
	for i, st := range rep.Script {
		row := []any{fmt.Sprintf("%d", i+1), st.label()}
		for _, run := range rep.Runs {
			if res := run.Steps[i]; res.Err != nil {
				row = append(row, "-", "-")
			} else {
				row = append(row, res.Collateral.String(), res.PriceYes.StringFixed(4))
			}
		}
		detail.Append(row...)
	}
	detail.Render()
}
