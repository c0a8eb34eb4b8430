// Package cascade recomputes every affected structural probability when a
// group's holdings move. Work is serialized per group on in-memory FIFO
// lanes, one draining goroutine each, so two overlapping recomputes of the
// same group cannot interleave while different groups run fully parallel.
package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// laneSize bounds each group's pending task queue. A full lane drops the
// newest task; the next holdings event re-derives everything it skipped.
const laneSize = 64

type task func(context.Context)

// Cascade owns the per-group lanes and the recompute cycle itself.
type Cascade struct {
	reader ports.LedgerReader
	prices *pricing.Orchestrator

	mu      sync.Mutex
	lanes   map[uint64]chan task
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(reader ports.LedgerReader, prices *pricing.Orchestrator) *Cascade {
	return &Cascade{
		reader: reader,
		prices: prices,
		lanes:  make(map[uint64]chan task),
	}
}

func (c *Cascade) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	slog.Info("cascade: started", "lane_size", laneSize)
}

// Stop refuses new tasks, cancels the running one, and waits for every lane
// drainer to exit.
func (c *Cascade) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	slog.Info("cascade: stopped")
}

// Notify schedules a recompute cycle for the change's group.
func (c *Cascade) Notify(change domain.HoldingsChange) bool {
	return c.Submit(change.GroupID, func(ctx context.Context) {
		if err := c.Recompute(ctx, change); err != nil {
			slog.Error("cascade: cycle failed", "group", change.GroupID, "err", err)
		}
	})
}

// Submit runs fn on the group's lane, after everything already queued for
// that group. Returns false when the cascade is stopped, not started, or
// the lane is full.
func (c *Cascade) Submit(groupID uint64, fn func(context.Context)) bool {
	c.mu.Lock()
	if c.stopped || c.ctx == nil {
		c.mu.Unlock()
		return false
	}
	ch, ok := c.lanes[groupID]
	if !ok {
		ch = make(chan task, laneSize)
		c.lanes[groupID] = ch
		c.wg.Add(1)
		go c.drain(groupID, ch)
	}
	c.mu.Unlock()

	select {
	case ch <- fn:
		return true
	default:
		slog.Warn("cascade: group lane full, task dropped", "group", groupID)
		return false
	}
}

func (c *Cascade) drain(groupID uint64, ch chan task) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-ch:
			c.run(groupID, t)
		}
	}
}

// run executes one lane task. Recover here keeps a panicking handler from
// taking down the lane: the event is lost, the lane keeps draining.
func (c *Cascade) run(groupID uint64, t task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cascade: recovered task panic", "group", groupID, "panic", r)
			metrics.EventFailures.WithLabelValues("panic").Inc()
		}
	}()
	t(c.ctx)
}

// Recompute derives every marketed participant's structural share from the
// new group total and hands each to the pricing orchestrator. Shares that
// fail their own invariant are skipped, never clamped; a ledger read error
// aborts the cycle so it never publishes from a half-read snapshot.
func (c *Cascade) Recompute(ctx context.Context, change domain.HoldingsChange) error {
	group := strconv.FormatUint(change.GroupID, 10)

	if change.NewTotal == nil || change.NewTotal.Sign() <= 0 {
		slog.Warn("cascade: zero group total, cycle skipped",
			"group", change.GroupID, "participant", change.Participant)
		metrics.CascadesSkipped.WithLabelValues(group, "zero_total").Inc()
		return nil
	}

	participants, err := c.reader.Participants(ctx, change.GroupID)
	if err != nil {
		metrics.CascadesSkipped.WithLabelValues(group, "ledger_read").Inc()
		return fmt.Errorf("cascade: participants of group %d: %w", change.GroupID, err)
	}

	var sum int64
	marketed := 0
	skipped := 0
	for _, p := range participants {
		m, ok := c.prices.Registry().Get(change.GroupID, p)
		if !ok || !m.Activated() {
			continue
		}
		holding, err := c.reader.Holding(ctx, change.GroupID, p)
		if err != nil {
			metrics.CascadesSkipped.WithLabelValues(group, "ledger_read").Inc()
			return fmt.Errorf("cascade: holding of %s: %w", m.Key(), err)
		}
		bps, err := domain.StructuralShareBps(holding, change.NewTotal)
		if err != nil {
			slog.Error("cascade: share computation skipped", "market", m.Key(), "err", err)
			skipped++
			continue
		}
		if err := c.prices.ApplyStructural(ctx, change.GroupID, p, bps); err != nil {
			slog.Error("cascade: price apply skipped", "market", m.Key(), "err", err)
			skipped++
			continue
		}
		sum += bps
		marketed++
	}

	metrics.CascadesTotal.WithLabelValues(group).Inc()
	if skipped == 0 && marketed > 0 {
		metrics.ProbabilitySum.WithLabelValues(group).Set(float64(sum))
		// The sum only partitions 10000 when every participant has a market.
		if marketed == len(participants) && !domain.SumWithinTolerance(sum, marketed) {
			slog.Error("cascade: probability sum out of tolerance",
				"group", change.GroupID, "sum_bps", sum, "markets", marketed)
		}
	}
	slog.Debug("cascade: cycle done",
		"group", change.GroupID, "markets", marketed, "skipped", skipped, "sum_bps", sum)
	return nil
}
