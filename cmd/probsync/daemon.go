package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SecondOrder-fun/probsync/config"
	"github.com/SecondOrder-fun/probsync/internal/adapters/cache"
	"github.com/SecondOrder-fun/probsync/internal/adapters/evm"
	"github.com/SecondOrder-fun/probsync/internal/adapters/notify"
	"github.com/SecondOrder-fun/probsync/internal/adapters/storage"
	"github.com/SecondOrder-fun/probsync/internal/application/activation"
	"github.com/SecondOrder-fun/probsync/internal/application/cascade"
	"github.com/SecondOrder-fun/probsync/internal/application/ingest"
	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/application/writer"
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/monitor"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// engine holds every wired component so start, stop and close stay in one
// place. Construction wires but does not start anything.
type engine struct {
	store  ports.Store
	cache  *cache.RedisCache
	client *evm.Client

	writer  *writer.Writer
	cascade *cascade.Cascade
	machine *activation.Machine
	ingest  *ingest.Ingest
	monitor *monitor.Monitor
}

func buildEngine(ctx context.Context, cfg *config.Config, table bool) (eng *engine, err error) {
	e := &engine{}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	if cfg.Chain.PrivateKey == "" {
		return nil, errors.New("chain signing key missing: set PROBSYNC_PRIVATE_KEY")
	}

	e.store, err = storage.New(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Enabled {
		e.cache, err = cache.NewRedisCache(cfg.Cache.Addr, cfg.CacheTTL())
		if err != nil {
			return nil, err
		}
	}

	e.client, err = evm.NewClient(cfg.Chain.RPCURL, cfg.Chain.PrivateKey, cfg.Chain.ChainID, cfg.Chain.RateLimitRPS, cfg.ConfirmTimeout())
	if err != nil {
		return nil, err
	}

	reader, err := evm.NewReader(e.client, cfg.Contracts.Raffle, cfg.Contracts.Treasury)
	if err != nil {
		return nil, err
	}
	settlement, err := evm.NewSettlement(e.client, cfg.Contracts.Settlement)
	if err != nil {
		return nil, err
	}
	submitter, err := evm.NewSubmitter(e.client, cfg.Contracts.Factory, cfg.Contracts.Treasury)
	if err != nil {
		return nil, err
	}

	notifier := buildNotifier(cfg, table)

	e.writer = writer.New(writer.Config{
		MaxAttempts: cfg.Writer.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		Cooldown:    cfg.EscalationCooldown(),
		Workers:     cfg.Writer.Workers,
		QueueSize:   cfg.Writer.QueueSize,
	}, submitter, e.store, notifier)

	groups := groupIDs(cfg)
	registry := pricing.NewRegistry()
	warmed, err := registry.Warm(ctx, e.store, groups)
	if err != nil {
		return nil, fmt.Errorf("warm market registry: %w", err)
	}
	slog.Info("market registry warmed", "markets", warmed, "groups", len(groups))

	// A disabled cache stays a nil interface so the orchestrator skips it.
	var priceCache ports.PriceCache
	if e.cache != nil {
		priceCache = e.cache
	}

	weights := domain.HybridWeights{
		StructuralBps: cfg.Engine.StructuralWeightBps,
		SentimentBps:  cfg.Engine.SentimentWeightBps,
	}
	prices := pricing.NewOrchestrator(weights, registry, pricing.NewSentiment(cfg.Engine.SentimentWindow), e.store, priceCache, e.writer)

	e.cascade = cascade.New(reader, prices)

	e.machine = activation.New(activation.Config{
		Funding:          cfg.ActivationFunding(),
		DefaultCurve:     domain.CurveKind(cfg.Engine.DefaultCurve),
		LowFundingFactor: cfg.Engine.LowFundingFactor,
	}, e.store, reader, settlement, e.writer, prices, notifier)

	e.monitor = monitor.New(monitor.Config{
		Schedule:         cfg.Monitor.FundingSchedule,
		Funding:          cfg.ActivationFunding(),
		LowFundingFactor: cfg.Engine.LowFundingFactor,
	}, reader, notifier)

	watcher := evm.NewWatcher(e.client, cfg.PollInterval())
	e.ingest = ingest.New(ingest.Config{
		Raffle:       cfg.Contracts.Raffle,
		Factory:      cfg.Contracts.Factory,
		Groups:       groups,
		ThresholdBps: cfg.Engine.ActivationThresholdBps,
	}, watcher, e.cascade, prices, e.machine)

	return e, nil
}

func runDaemon(ctx context.Context, cfg *config.Config, table bool) error {
	eng, err := buildEngine(ctx, cfg, table)
	if err != nil {
		return err
	}
	defer eng.close()

	eng.writer.Start(ctx)
	eng.cascade.Start(ctx)
	eng.machine.Start(ctx)

	// Fail activations a previous run left mid-flight before any watcher
	// can trigger new ones for the same pairs.
	recovered, err := eng.machine.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("boot recovery: %w", err)
	}
	if recovered > 0 {
		slog.Warn("interrupted activations marked for operator retry", "count", recovered)
	}

	// Prime the funding gauge so the first scrape has a value.
	eng.monitor.Check(ctx)
	if err := eng.monitor.Start(ctx); err != nil {
		return err
	}

	if err := eng.ingest.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.Addr)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Stop in data-flow order: no new events, drain the lanes, finish
	// in-flight activations, then let the write path flush.
	eng.ingest.Stop()
	eng.cascade.Stop()
	eng.machine.Stop()
	eng.monitor.Stop()
	eng.writer.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// buildNotifier selects the escalation channel. Webhook mode keeps the
// console too, so an unreachable endpoint never hides a critical.
func buildNotifier(cfg *config.Config, table bool) ports.Notifier {
	console := notify.NewConsole(cfg.Notify.MinSeverity, table)
	if cfg.Notify.Mode == "webhook" {
		return notify.Multi{console, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.MinSeverity)}
	}
	return console
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		slog.Info("metrics endpoint up", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

func groupIDs(cfg *config.Config) []uint64 {
	ids := make([]uint64, 0, len(cfg.Groups))
	for _, g := range cfg.Groups {
		ids = append(ids, g.ID)
	}
	return ids
}

// close releases connections; components must already be stopped.
func (e *engine) close() {
	if e.client != nil {
		e.client.Close()
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			slog.Warn("cache close failed", "err", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			slog.Warn("store close failed", "err", err)
		}
	}
}
