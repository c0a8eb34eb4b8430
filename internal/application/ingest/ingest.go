// Package ingest connects the ledger event stream to the rest of the engine.
// It runs one poll watch per tracked group covering the position ledger, the
// market factory, and every known market contract, and dispatches decoded
// events to the cascade lanes, the pricing orchestrator, and the activation
// machine. Ingest is a downstream observer only: it never sits on the path
// of any transaction's completion.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/SecondOrder-fun/probsync/internal/application/activation"
	"github.com/SecondOrder-fun/probsync/internal/application/cascade"
	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// Config scopes the watches and the activation eligibility rule.
type Config struct {
	Raffle       string // season position ledger contract
	Factory      string // market factory contract
	Groups       []uint64
	ThresholdBps int64 // structural share that makes a participant marketable
}

type Ingest struct {
	cfg     Config
	source  ports.EventSource
	casc    *cascade.Cascade
	prices  *pricing.Orchestrator
	machine *activation.Machine

	mu      sync.Mutex
	subs    map[uint64]ports.Subscription
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, source ports.EventSource, casc *cascade.Cascade, prices *pricing.Orchestrator, machine *activation.Machine) *Ingest {
	return &Ingest{
		cfg:     cfg,
		source:  source,
		casc:    casc,
		prices:  prices,
		machine: machine,
		subs:    make(map[uint64]ports.Subscription),
	}
}

// Start opens one watch per tracked group, from the current chain head.
func (in *Ingest) Start(ctx context.Context) error {
	in.ctx, in.cancel = context.WithCancel(ctx)
	for _, groupID := range in.cfg.Groups {
		if err := in.watch(groupID, 0); err != nil {
			in.Stop()
			return fmt.Errorf("ingest.Start: group %d: %w", groupID, err)
		}
	}
	slog.Info("ingest: started", "groups", len(in.cfg.Groups), "threshold_bps", in.cfg.ThresholdBps)
	return nil
}

// Stop halts every watch. No callback runs after Stop returns.
func (in *Ingest) Stop() {
	in.mu.Lock()
	in.stopped = true
	subs := make([]ports.Subscription, 0, len(in.subs))
	for _, s := range in.subs {
		subs = append(subs, s)
	}
	in.subs = make(map[uint64]ports.Subscription)
	in.mu.Unlock()

	if in.cancel != nil {
		in.cancel()
	}
	for _, s := range subs {
		s.Stop()
	}
	slog.Info("ingest: stopped")
}

// watch opens the group's subscription. The address set is rebuilt from the
// registry on every call, so confirmed markets join the coverage.
func (in *Ingest) watch(groupID uint64, fromBlock uint64) error {
	addrs := []string{in.cfg.Raffle, in.cfg.Factory}
	for _, m := range in.prices.Registry().GroupMarkets(groupID) {
		if m.Address != "" {
			addrs = append(addrs, m.Address)
		}
	}

	sub, err := in.source.Watch(in.ctx, ports.EventFilter{
		GroupID:   groupID,
		Addresses: addrs,
		FromBlock: fromBlock,
	}, in.dispatch, func(err error) {
		slog.Warn("ingest: poll failed", "group", groupID, "err", err)
		metrics.EventFailures.WithLabelValues("poll").Inc()
	})
	if err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		sub.Stop()
		return nil
	}
	in.subs[groupID] = sub
	return nil
}

// dispatch routes one decoded event. It runs on the watcher goroutine, so
// every branch hands real work off and returns without blocking.
func (in *Ingest) dispatch(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ingest: recovered handler panic", "kind", ev.Kind, "panic", r)
			metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
		}
	}()
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case domain.EventPositionChanged:
		in.onPositionChanged(ev)
	case domain.EventMarketTraded:
		in.onMarketTraded(ev)
	case domain.EventMarketCreated:
		in.onMarketCreated(ev)
	default:
		slog.Debug("ingest: unhandled event kind", "kind", ev.Kind)
	}
}

// onPositionChanged queues the group recompute and checks whether the moved
// participant just became marketable. The share comes from the event payload
// itself; the cascade re-reads authoritative state afterwards.
func (in *Ingest) onPositionChanged(ev domain.Event) {
	if !in.casc.Notify(domain.HoldingsChange{
		GroupID:     ev.GroupID,
		Participant: ev.Participant,
		NewHolding:  ev.NewHolding,
		NewTotal:    ev.NewTotal,
	}) {
		metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
	}

	share, err := domain.StructuralShareBps(ev.NewHolding, ev.NewTotal)
	if err != nil {
		slog.Debug("ingest: unshareable position payload",
			"group", ev.GroupID, "participant", ev.Participant, "err", err)
		return
	}
	if share < in.cfg.ThresholdBps {
		return
	}
	if _, exists := in.prices.Registry().Get(ev.GroupID, ev.Participant); exists {
		return
	}
	if in.machine.Trigger(ev.GroupID, ev.Participant) {
		slog.Info("ingest: eligibility crossed, activation triggered",
			"group", ev.GroupID, "participant", ev.Participant, "share_bps", share)
	}
}

// onMarketTraded rides the group lane so sentiment updates are serialized
// with structural recomputes of the same group.
func (in *Ingest) onMarketTraded(ev domain.Event) {
	ok := in.casc.Submit(ev.GroupID, func(ctx context.Context) {
		if err := in.prices.ApplyTrade(ctx, ev); err != nil {
			slog.Error("ingest: trade apply failed",
				"group", ev.GroupID, "market", ev.MarketAddr, "err", err)
			metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
		}
	})
	if !ok {
		metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// onMarketCreated confirms the activation and replaces the group watch so
// the new contract's trades are covered from the block after creation.
func (in *Ingest) onMarketCreated(ev domain.Event) {
	ok := in.casc.Submit(ev.GroupID, func(ctx context.Context) {
		if err := in.machine.ConfirmCreated(ctx, ev.GroupID, ev.Participant, ev.MarketAddr); err != nil {
			slog.Error("ingest: market confirmation failed",
				"group", ev.GroupID, "market", ev.MarketAddr, "err", err)
			metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
		}
		in.rewatch(ev.GroupID, ev.Block+1)
	})
	if !ok {
		metrics.EventFailures.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// rewatch swaps the group's subscription. The cursor resumes right after the
// creation block, so a few already-handled events can replay; handlers are
// idempotent enough that prices re-converge within a cycle.
func (in *Ingest) rewatch(groupID uint64, fromBlock uint64) {
	in.mu.Lock()
	old := in.subs[groupID]
	delete(in.subs, groupID)
	stopped := in.stopped
	in.mu.Unlock()

	if stopped {
		return
	}
	if old != nil {
		old.Stop()
	}
	if err := in.watch(groupID, fromBlock); err != nil {
		slog.Error("ingest: rewatch failed, group coverage lost", "group", groupID, "err", err)
		metrics.EventFailures.WithLabelValues("rewatch").Inc()
	}
}
