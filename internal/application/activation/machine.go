// Package activation drives the multi-step creation of a participant market
// as a persisted state machine. Each step's status is stored and announced
// before its external action runs, committed artifacts survive failures, and
// a retry resumes past every step whose artifact already exists.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/application/writer"
	"github.com/SecondOrder-fun/probsync/internal/curve"
	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// terminalSaveTimeout bounds the store write that records a failure after
// the run's own context is gone.
const terminalSaveTimeout = 5 * time.Second

// Config carries the activation knobs.
type Config struct {
	Funding          *big.Int // collateral reserved per market, minor units
	DefaultCurve     domain.CurveKind
	LowFundingFactor int64 // warn when pool < factor * Funding
}

// Machine runs activation flows, single-flight per (group, participant).
// Distinct pairs proceed concurrently on their own goroutines.
type Machine struct {
	cfg        Config
	store      ports.Store
	reader     ports.LedgerReader
	settlement ports.Settlement
	writer     *writer.Writer
	prices     *pricing.Orchestrator
	notifier   ports.Notifier

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, st ports.Store, reader ports.LedgerReader, settlement ports.Settlement, wr *writer.Writer, prices *pricing.Orchestrator, notifier ports.Notifier) *Machine {
	return &Machine{
		cfg:        cfg,
		store:      st,
		reader:     reader,
		settlement: settlement,
		writer:     wr,
		prices:     prices,
		notifier:   notifier,
		inflight:   make(map[string]struct{}),
	}
}

func (m *Machine) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	slog.Info("activation: started",
		"funding", m.cfg.Funding, "curve", m.cfg.DefaultCurve)
}

// Stop cancels running flows and waits for them. Interrupted runs are
// recovered at the next boot sweep.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("activation: stopped")
}

// Trigger starts an activation run for the pair on its own goroutine.
// Returns false when the machine is stopped or a run for this pair is
// already in flight. Pairs that are past NotStarted (including Failed,
// which only an operator may retry) no-op inside the run.
func (m *Machine) Trigger(groupID uint64, participant string) bool {
	key := domain.MarketKey(groupID, participant)

	m.mu.Lock()
	if m.stopped || m.ctx == nil {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return false
	}
	m.inflight[key] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.release(key)
		if err := m.run(m.ctx, groupID, participant, false); err != nil {
			logRunError(key, err)
		}
	}()
	return true
}

// Retry re-runs a Failed activation synchronously, keeping committed
// artifacts so completed steps are skipped. Only Failed records qualify.
func (m *Machine) Retry(ctx context.Context, groupID uint64, participant string) error {
	key := domain.MarketKey(groupID, participant)

	m.mu.Lock()
	if _, busy := m.inflight[key]; busy {
		m.mu.Unlock()
		return fmt.Errorf("activation: %s already in flight", key)
	}
	m.inflight[key] = struct{}{}
	m.mu.Unlock()
	defer m.release(key)

	a, ok, err := m.store.Activation(ctx, groupID, participant)
	if err != nil {
		return fmt.Errorf("activation: load %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("activation: no record for %s", key)
	}
	if !a.Retryable() {
		return fmt.Errorf("activation: %s is %s, only failed records can be retried", key, a.Status)
	}

	a.Status = domain.ActivationNotStarted
	a.Reason = ""
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveActivation(ctx, a); err != nil {
		return fmt.Errorf("activation: reset %s: %w", key, err)
	}
	slog.Info("activation: operator retry", "pair", key,
		"condition_id", a.ConditionID, "reserve_ref", a.ReserveRef)

	return m.run(ctx, groupID, participant, true)
}

// RecoverInterrupted fails every record a previous daemon left mid-run, so
// operators can retry them. Called once at boot, before watchers start.
func (m *Machine) RecoverInterrupted(ctx context.Context) (int, error) {
	stalled, err := m.store.InterruptedActivations(ctx)
	if err != nil {
		return 0, fmt.Errorf("activation: list interrupted: %w", err)
	}
	for i := range stalled {
		a := stalled[i]
		reason := fmt.Sprintf("interrupted: daemon stopped during %s", a.Status)
		a.Status = domain.ActivationFailed
		a.Reason = reason
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveActivation(ctx, a); err != nil {
			return i, fmt.Errorf("activation: recover %s: %w", a.Key(), err)
		}
		slog.Warn("activation: interrupted run marked failed", "pair", a.Key(), "reason", reason)
	}
	return len(stalled), nil
}

// ConfirmCreated records the market address delivered by the creation event
// and flips the market active. Idempotent: re-delivered events re-write the
// same state.
func (m *Machine) ConfirmCreated(ctx context.Context, groupID uint64, participant, marketAddr string) error {
	key := domain.MarketKey(groupID, participant)

	a, ok, err := m.store.Activation(ctx, groupID, participant)
	if err != nil {
		return fmt.Errorf("activation: load %s: %w", key, err)
	}
	if ok {
		a.MarketAddr = marketAddr
		a.UpdatedAt = time.Now().UTC()
		if err := m.store.SaveActivation(ctx, a); err != nil {
			return fmt.Errorf("activation: confirm %s: %w", key, err)
		}
	} else {
		slog.Warn("activation: creation event without a record", "pair", key, "address", marketAddr)
	}

	mk, ok := m.prices.Registry().ConfirmAddress(groupID, participant, marketAddr)
	if !ok {
		slog.Warn("activation: creation event for unknown market", "pair", key, "address", marketAddr)
		return nil
	}
	if err := m.store.UpsertMarket(ctx, mk); err != nil {
		return fmt.Errorf("activation: persist market %s: %w", key, err)
	}

	slog.Info("activation: market confirmed", "pair", key, "address", marketAddr)
	m.notifier.Notify(domain.Escalation{
		Severity: domain.SeverityInfo,
		Subject:  "market live",
		Context:  map[string]string{"pair": key, "address": marketAddr},
		At:       time.Now().UTC(),
	})
	return nil
}

// run executes one flow. Preconditions fail fast before any persisted
// mutation; each step persists its status and announces before acting, and
// records its artifact immediately after the action confirms.
func (m *Machine) run(ctx context.Context, groupID uint64, participant string, retry bool) error {
	key := domain.MarketKey(groupID, participant)

	a, ok, err := m.store.Activation(ctx, groupID, participant)
	if err != nil {
		return fmt.Errorf("activation: load %s: %w", key, err)
	}
	if !ok {
		now := time.Now().UTC()
		a = domain.Activation{
			GroupID:     groupID,
			Participant: participant,
			Status:      domain.ActivationNotStarted,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if !a.Startable() || (!retry && a.Status == domain.ActivationFailed) {
		slog.Debug("activation: not startable", "pair", key, "status", a.Status)
		metrics.ActivationsTotal.WithLabelValues("noop").Inc()
		return nil
	}
	if mk, ok := m.prices.Registry().Get(groupID, participant); ok && mk.Activated() {
		slog.Debug("activation: market already exists", "pair", key)
		metrics.ActivationsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	// Precondition gates: a failed check leaves no trace, not even a record.
	if _, err := curve.New(m.cfg.DefaultCurve); err != nil {
		metrics.ActivationsTotal.WithLabelValues("precondition").Inc()
		slog.Warn("activation: configured curve not deployable", "pair", key, "curve", m.cfg.DefaultCurve)
		return domain.Preconditionf("activation curve %s: %v", m.cfg.DefaultCurve, err)
	}
	pool, err := m.reader.PoolBalance(ctx)
	if err != nil {
		return fmt.Errorf("activation: pool balance for %s: %w", key, err)
	}
	if pool.Cmp(m.cfg.Funding) < 0 {
		metrics.ActivationsTotal.WithLabelValues("precondition").Inc()
		slog.Warn("activation: funding pool below requirement",
			"pair", key, "pool", pool, "required", m.cfg.Funding)
		return domain.Preconditionf("pool balance %s below activation funding %s", pool, m.cfg.Funding)
	}
	if m.cfg.LowFundingFactor > 0 {
		low := new(big.Int).Mul(m.cfg.Funding, big.NewInt(m.cfg.LowFundingFactor))
		if pool.Cmp(low) < 0 {
			m.notifier.Notify(domain.Escalation{
				Severity: domain.SeverityWarning,
				Subject:  "activation funding pool low",
				Context: map[string]string{
					"pool":     pool.String(),
					"required": m.cfg.Funding.String(),
					"floor":    low.String(),
				},
				At: time.Now().UTC(),
			})
		}
	}

	slog.Info("activation: run started", "pair", key,
		"condition_id", a.ConditionID, "reserve_ref", a.ReserveRef, "create_ref", a.CreateRef)

	if a.ConditionID == "" {
		if err := m.enter(ctx, &a, domain.ActivationConditionPrepared, "preparing settlement condition"); err != nil {
			return err
		}
		condID, err := m.settlement.PrepareCondition(ctx, groupID, participant)
		if err != nil {
			return m.fail(&a, "prepare_condition", err)
		}
		a.ConditionID = condID
		if err := m.persist(ctx, &a); err != nil {
			return err
		}
	}

	if a.ReserveRef == "" {
		if err := m.enter(ctx, &a, domain.ActivationFundsReserved, "reserving activation funding"); err != nil {
			return err
		}
		out := m.writer.WriteAndWait(ctx, domain.WriteRequest{
			Target: key,
			Op:     domain.OpReserveFunding,
			Args:   []any{groupID, participant, new(big.Int).Set(m.cfg.Funding)},
		})
		if !out.Confirmed() {
			return m.fail(&a, "reserve_funding", outErr(out))
		}
		a.ReserveRef = out.Reference
		if err := m.persist(ctx, &a); err != nil {
			return err
		}
	}

	if a.CreateRef == "" {
		if err := m.enter(ctx, &a, domain.ActivationCreated, "creating market contract"); err != nil {
			return err
		}
		out := m.writer.WriteAndWait(ctx, domain.WriteRequest{
			Target: key,
			Op:     domain.OpCreateMarket,
			Args:   []any{groupID, participant, a.ConditionID, m.cfg.DefaultCurve, new(big.Int).Set(m.cfg.Funding)},
		})
		if !out.Confirmed() {
			return m.fail(&a, "create_market", outErr(out))
		}
		a.CreateRef = out.Reference
		if err := m.persist(ctx, &a); err != nil {
			return err
		}
	}

	// Retry with all artifacts present skips every step; settle the status.
	if a.Status != domain.ActivationCreated {
		a.Status = domain.ActivationCreated
		if err := m.persist(ctx, &a); err != nil {
			return err
		}
	}

	m.seedMarket(ctx, a)

	metrics.ActivationsTotal.WithLabelValues("created").Inc()
	slog.Info("activation: market created", "pair", key,
		"condition_id", a.ConditionID, "create_ref", a.CreateRef)
	m.notifier.Notify(domain.Escalation{
		Severity: domain.SeverityInfo,
		Subject:  "market activation completed",
		Context: map[string]string{
			"pair":         key,
			"condition_id": a.ConditionID,
			"create_ref":   a.CreateRef,
		},
		At: time.Now().UTC(),
	})
	return nil
}

// enter persists the step's status and announces the step before its
// external action runs. A persist failure aborts the run with no action
// taken.
func (m *Machine) enter(ctx context.Context, a *domain.Activation, status domain.ActivationStatus, subject string) error {
	a.Status = status
	if err := m.persist(ctx, a); err != nil {
		return err
	}
	m.notifier.Notify(domain.Escalation{
		Severity: domain.SeverityInfo,
		Subject:  "activation: " + subject,
		Context:  map[string]string{"pair": a.Key(), "status": string(status)},
		At:       time.Now().UTC(),
	})
	return nil
}

func (m *Machine) persist(ctx context.Context, a *domain.Activation) error {
	a.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveActivation(ctx, *a); err != nil {
		return fmt.Errorf("activation: persist %s: %w", a.Key(), err)
	}
	return nil
}

// fail moves the record to Failed with the step and cause, keeping every
// committed artifact for the retry. Uses its own context so a canceled run
// still records its terminal state.
func (m *Machine) fail(a *domain.Activation, step string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), terminalSaveTimeout)
	defer cancel()

	a.Status = domain.ActivationFailed
	a.Reason = fmt.Sprintf("%s: %v", step, cause)
	if err := m.persist(ctx, a); err != nil {
		slog.Error("activation: failed state not persisted", "pair", a.Key(), "err", err)
	}

	metrics.ActivationsTotal.WithLabelValues("failed").Inc()
	m.notifier.Notify(domain.Escalation{
		Severity: domain.SeverityCritical,
		Subject:  "market activation failed",
		Context: map[string]string{
			"pair":  a.Key(),
			"step":  step,
			"error": cause.Error(),
		},
		At: time.Now().UTC(),
	})
	return fmt.Errorf("activation %s: %s: %w", a.Key(), step, cause)
}

// seedMarket registers the pending market with its initial price: the
// current structural share on both components, so the hybrid starts at
// structural until trades arrive. A failed seed read starts at zero and the
// next cascade corrects it.
func (m *Machine) seedMarket(ctx context.Context, a domain.Activation) {
	var structural int64
	holding, err := m.reader.Holding(ctx, a.GroupID, a.Participant)
	if err == nil {
		total, terr := m.reader.TotalTickets(ctx, a.GroupID)
		if terr == nil {
			if bps, berr := domain.StructuralShareBps(holding, total); berr == nil {
				structural = bps
			}
		}
	}

	now := time.Now().UTC()
	m.prices.Registry().Upsert(domain.Market{
		GroupID:       a.GroupID,
		Participant:   a.Participant,
		Status:        domain.MarketStatusPending,
		Curve:         m.cfg.DefaultCurve,
		StructuralBps: structural,
		SentimentBps:  structural,
		HybridBps:     structural,
		Funding:       new(big.Int).Set(m.cfg.Funding),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err := m.prices.ApplyStructural(ctx, a.GroupID, a.Participant, structural); err != nil {
		slog.Error("activation: initial price seed failed", "pair", a.Key(), "err", err)
	}
}

func (m *Machine) release(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

func outErr(out domain.Outcome) error {
	if out.Err != nil {
		return out.Err
	}
	return errors.New("write unconfirmed")
}

func logRunError(key string, err error) {
	if domain.IsPrecondition(err) {
		return // already logged at warn inside the run
	}
	slog.Error("activation: run failed", "pair", key, "err", err)
}
