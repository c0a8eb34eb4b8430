// Package monitor observes the shared activation funding pool on a cron
// schedule. It exports the balance gauge and escalates the low-funding
// warning independent of any activation attempt, so a draining pool is
// noticed even when no participant is crossing the threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// Config schedules the pool check. The floor is Funding * LowFundingFactor;
// a factor of zero disables the warning but keeps the gauge.
type Config struct {
	Schedule         string // cron spec, e.g. "@every 1m"
	Funding          *big.Int
	LowFundingFactor int64
}

type Monitor struct {
	cfg      Config
	reader   ports.LedgerReader
	notifier ports.Notifier
	cron     *cron.Cron

	mu  sync.Mutex
	low bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, reader ports.LedgerReader, notifier ports.Notifier) *Monitor {
	return &Monitor{cfg: cfg, reader: reader, notifier: notifier, cron: cron.New()}
}

func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if _, err := m.cron.AddFunc(m.cfg.Schedule, func() { m.Check(m.ctx) }); err != nil {
		return fmt.Errorf("monitor.Start: schedule %q: %w", m.cfg.Schedule, err)
	}
	m.cron.Start()
	slog.Info("monitor: started", "schedule", m.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.cron.Stop().Done()
	slog.Info("monitor: stopped")
}

// Check reads the pool once. Exported so the daemon can prime the gauge at
// boot instead of waiting for the first tick. Warnings are edge-triggered:
// one on crossing below the floor, one recovery note on crossing back.
func (m *Monitor) Check(ctx context.Context) {
	pool, err := m.reader.PoolBalance(ctx)
	if err != nil {
		slog.Warn("monitor: pool read failed", "err", err)
		return
	}

	balance, _ := new(big.Float).SetInt(pool).Float64()
	metrics.PoolBalance.Set(balance)

	if m.cfg.LowFundingFactor <= 0 {
		slog.Debug("monitor: pool checked", "pool", pool)
		return
	}
	floor := new(big.Int).Mul(m.cfg.Funding, big.NewInt(m.cfg.LowFundingFactor))
	isLow := pool.Cmp(floor) < 0

	m.mu.Lock()
	crossedDown := isLow && !m.low
	crossedUp := !isLow && m.low
	m.low = isLow
	m.mu.Unlock()

	switch {
	case crossedDown:
		slog.Warn("monitor: funding pool below floor", "pool", pool, "floor", floor)
		m.notifier.Notify(domain.Escalation{
			Severity: domain.SeverityWarning,
			Subject:  "activation funding pool low",
			Context: map[string]string{
				"pool":     pool.String(),
				"floor":    floor.String(),
				"required": m.cfg.Funding.String(),
			},
			At: time.Now().UTC(),
		})
	case crossedUp:
		slog.Info("monitor: funding pool recovered", "pool", pool, "floor", floor)
		m.notifier.Notify(domain.Escalation{
			Severity: domain.SeverityInfo,
			Subject:  "activation funding pool recovered",
			Context:  map[string]string{"pool": pool.String(), "floor": floor.String()},
			At:       time.Now().UTC(),
		})
	default:
		slog.Debug("monitor: pool checked", "pool", pool, "low", isLow)
	}
}
