// Package pricing combines the structural and sentiment probabilities into
// the canonical hybrid price and moves it to every consumer: the in-memory
// registry, the durable store, the hot cache, and (through the resilient
// writer) the market contract itself.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/SecondOrder-fun/probsync/internal/application/writer"
	"github.com/SecondOrder-fun/probsync/internal/curve"
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// staleSaveTimeout bounds the store write that flags a price stale after a
// failed ledger push; the push's own context is long gone by then.
const staleSaveTimeout = 5 * time.Second

// Orchestrator owns the combine-and-propagate path. One instance serves all
// groups; per-group ordering is the caller's job (the cascade queues), the
// registry handles cross-group interleaving.
type Orchestrator struct {
	weights   domain.HybridWeights
	registry  *Registry
	sentiment *Sentiment
	store     ports.Store
	cache     ports.PriceCache // nil when the hot cache is disabled
	writer    *writer.Writer
}

func NewOrchestrator(weights domain.HybridWeights, reg *Registry, sent *Sentiment, st ports.Store, cache ports.PriceCache, wr *writer.Writer) *Orchestrator {
	return &Orchestrator{
		weights:   weights,
		registry:  reg,
		sentiment: sent,
		store:     st,
		cache:     cache,
		writer:    wr,
	}
}

// Registry exposes the market view for callers that need lookups.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// ApplyStructural recombines one market's price after its structural share
// moved and propagates the result. Participants without a market are
// silently skipped; an out-of-range hybrid is returned as an invariant
// error and nothing is propagated.
func (o *Orchestrator) ApplyStructural(ctx context.Context, groupID uint64, participant string, structuralBps int64) error {
	m, ok := o.registry.Get(groupID, participant)
	if !ok || !m.Activated() {
		return nil
	}

	hybrid, err := domain.HybridPriceBps(structuralBps, m.SentimentBps, o.weights)
	if err != nil {
		return fmt.Errorf("pricing.ApplyStructural %s: %w", m.Key(), err)
	}

	m, ok = o.registry.SetStructural(groupID, participant, structuralBps, hybrid)
	if !ok {
		return nil
	}
	o.propagate(ctx, m)
	return nil
}

// ApplyTrade folds one trade event into the market's sentiment and
// propagates the recombined price. Events for unknown markets or with
// unusable payloads are dropped.
func (o *Orchestrator) ApplyTrade(ctx context.Context, ev domain.Event) error {
	m, ok := o.registry.ByAddress(ev.MarketAddr)
	if !ok {
		slog.Debug("pricing: trade for untracked market", "address", ev.MarketAddr)
		return nil
	}

	if ev.YesReserve == nil || ev.NoReserve == nil ||
		ev.YesReserve.Sign() <= 0 || ev.NoReserve.Sign() <= 0 {
		return fmt.Errorf("pricing.ApplyTrade %s: %w", m.Key(),
			domain.Invariantf("trade event with non-positive reserves"))
	}
	if ev.AmountIn == nil || ev.AmountIn.Sign() <= 0 {
		slog.Debug("pricing: weightless trade dropped", "market", m.Key(), "tx", ev.TxHash)
		return nil
	}

	cv, err := curve.New(m.Curve)
	if err != nil {
		return fmt.Errorf("pricing.ApplyTrade %s: %w", m.Key(), err)
	}
	pool := curve.Pool{Yes: ev.YesReserve, No: ev.NoReserve}
	price := cv.MarginalPrice(pool, curve.SideYes)

	sentBps, ok := o.sentiment.Observe(m.Key(), price, decimal.NewFromBigInt(ev.AmountIn, 0))
	if !ok {
		return nil
	}

	hybrid, err := domain.HybridPriceBps(m.StructuralBps, sentBps, o.weights)
	if err != nil {
		return fmt.Errorf("pricing.ApplyTrade %s: %w", m.Key(), err)
	}

	m, ok = o.registry.SetSentiment(m.GroupID, m.Participant, sentBps, hybrid)
	if !ok {
		return nil
	}
	o.propagate(ctx, m)
	return nil
}

// propagate sinks the market's current price everywhere it is read from and
// enqueues the ledger push. Store and cache failures are logged, never
// fatal: the price lives in the registry and the next cycle rewrites it.
func (o *Orchestrator) propagate(ctx context.Context, m domain.Market) {
	snap := snapshotOf(m, false)
	if err := o.store.UpsertMarket(ctx, m); err != nil {
		slog.Error("pricing: market upsert failed", "market", m.Key(), "err", err)
	}
	o.save(ctx, snap)

	if m.Address == "" {
		// No contract yet: the engine's store is the only price holder.
		return
	}

	req := domain.WriteRequest{
		Target: m.Address,
		Op:     domain.OpUpdateHybridPrice,
		Args:   []any{m.HybridBps},
	}
	accepted := o.writer.Enqueue(req, func(out domain.Outcome) {
		if out.Confirmed() {
			return
		}
		o.markStale(snap, out.Err)
	})
	if !accepted {
		o.markStale(snap, fmt.Errorf("writer queue full or stopped"))
	}
}

// markStale rewrites the last-known-good snapshot with the stale flag after
// a failed ledger push, so readers see the flag instead of a silently
// diverged price.
func (o *Orchestrator) markStale(snap domain.PriceSnapshot, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), staleSaveTimeout)
	defer cancel()

	snap.Stale = true
	snap.UpdatedAt = time.Now().UTC()
	o.save(ctx, snap)
	slog.Warn("pricing: ledger push failed, price marked stale",
		"market", domain.MarketKey(snap.GroupID, snap.Participant),
		"target", snap.MarketAddr,
		"err", cause)
}

func (o *Orchestrator) save(ctx context.Context, snap domain.PriceSnapshot) {
	if err := o.store.SavePrice(ctx, snap); err != nil {
		slog.Error("pricing: price save failed",
			"market", domain.MarketKey(snap.GroupID, snap.Participant), "err", err)
	}
	if o.cache == nil {
		return
	}
	if err := o.cache.Publish(ctx, snap); err != nil {
		slog.Warn("pricing: cache publish failed",
			"market", domain.MarketKey(snap.GroupID, snap.Participant), "err", err)
	}
}

func snapshotOf(m domain.Market, stale bool) domain.PriceSnapshot {
	return domain.PriceSnapshot{
		GroupID:       m.GroupID,
		Participant:   m.Participant,
		MarketAddr:    m.Address,
		StructuralBps: m.StructuralBps,
		SentimentBps:  m.SentimentBps,
		HybridBps:     m.HybridBps,
		Stale:         stale,
		UpdatedAt:     m.UpdatedAt,
	}
}
