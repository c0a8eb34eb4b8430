package pricing_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondOrder-fun/probsync/internal/adapters/storage"
	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/application/writer"
	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// scriptLedger records submitted requests and answers with fn.
type scriptLedger struct {
	mu   sync.Mutex
	reqs []domain.WriteRequest
	fn   func(req domain.WriteRequest) (string, error)
}

func (l *scriptLedger) Submit(ctx context.Context, req domain.WriteRequest) (string, error) {
	l.mu.Lock()
	l.reqs = append(l.reqs, req)
	l.mu.Unlock()
	if l.fn == nil {
		return "0xtx", nil
	}
	return l.fn(req)
}

func (l *scriptLedger) requests() []domain.WriteRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.WriteRequest(nil), l.reqs...)
}

// recordCache keeps every published snapshot, newest last.
type recordCache struct {
	mu    sync.Mutex
	snaps []domain.PriceSnapshot
}

func (c *recordCache) Publish(ctx context.Context, snap domain.PriceSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func (c *recordCache) Close() error { return nil }

func (c *recordCache) last() (domain.PriceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return domain.PriceSnapshot{}, false
	}
	return c.snaps[len(c.snaps)-1], true
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Escalation) {}

type fixture struct {
	reg    *pricing.Registry
	sent   *pricing.Sentiment
	cache  *recordCache
	ledger *scriptLedger
	orch   *pricing.Orchestrator
}

func newFixture(t *testing.T, fn func(req domain.WriteRequest) (string, error)) *fixture {
	t.Helper()

	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := &scriptLedger{fn: fn}
	wr := writer.New(writer.Config{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		Cooldown:    time.Hour,
		Workers:     2,
		QueueSize:   32,
	}, ledger, db, nopNotifier{})
	wr.Start(context.Background())
	t.Cleanup(wr.Stop)

	reg := pricing.NewRegistry()
	sent := pricing.NewSentiment(16)
	cache := &recordCache{}
	orch := pricing.NewOrchestrator(domain.DefaultHybridWeights, reg, sent, db, cache, wr)
	return &fixture{reg: reg, sent: sent, cache: cache, ledger: ledger, orch: orch}
}

func activeMarket(groupID uint64, participant, addr string) domain.Market {
	now := time.Now().UTC()
	return domain.Market{
		GroupID:     groupID,
		Participant: participant,
		Address:     addr,
		Status:      domain.MarketStatusActive,
		Curve:       domain.CurveConstantProduct,
		Funding:     big.NewInt(100),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestApplyStructural_CombinesAndPushes(t *testing.T) {
	fx := newFixture(t, nil)

	m := activeMarket(7, "0xaaa", "0xmarket1")
	m.SentimentBps = 4000
	fx.reg.Upsert(m)

	require.NoError(t, fx.orch.ApplyStructural(context.Background(), 7, "0xaaa", 7000))

	// 0.7*7000 + 0.3*4000 = 6100
	got, ok := fx.reg.Get(7, "0xaaa")
	require.True(t, ok)
	assert.Equal(t, int64(7000), got.StructuralBps)
	assert.Equal(t, int64(6100), got.HybridBps)

	snap, ok := fx.cache.last()
	require.True(t, ok)
	assert.Equal(t, int64(6100), snap.HybridBps)
	assert.False(t, snap.Stale)

	require.Eventually(t, func() bool {
		return len(fx.ledger.requests()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	req := fx.ledger.requests()[0]
	assert.Equal(t, "0xmarket1", req.Target)
	assert.Equal(t, domain.OpUpdateHybridPrice, req.Op)
	require.Len(t, req.Args, 1)
	assert.Equal(t, int64(6100), req.Args[0])
}

func TestApplyStructural_PendingMarketSkipsLedger(t *testing.T) {
	fx := newFixture(t, nil)

	m := activeMarket(7, "0xaaa", "")
	m.Status = domain.MarketStatusPending
	fx.reg.Upsert(m)

	require.NoError(t, fx.orch.ApplyStructural(context.Background(), 7, "0xaaa", 5000))

	snap, ok := fx.cache.last()
	require.True(t, ok)
	assert.Equal(t, int64(3500), snap.HybridBps) // 0.7*5000 + 0.3*0
	assert.False(t, snap.Stale)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fx.ledger.requests(), "no contract address means nothing to push")
}

func TestApplyStructural_UnknownParticipantIsNoop(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.orch.ApplyStructural(context.Background(), 7, "0xnobody", 5000))
	_, ok := fx.cache.last()
	assert.False(t, ok)
}

func TestApplyStructural_FailedPushMarksStale(t *testing.T) {
	fx := newFixture(t, func(req domain.WriteRequest) (string, error) {
		return "", domain.Rejected(errors.New("paused"))
	})

	m := activeMarket(7, "0xaaa", "0xmarket1")
	fx.reg.Upsert(m)

	require.NoError(t, fx.orch.ApplyStructural(context.Background(), 7, "0xaaa", 6000))

	require.Eventually(t, func() bool {
		snap, ok := fx.cache.last()
		return ok && snap.Stale
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := fx.cache.last()
	assert.Equal(t, int64(4200), snap.HybridBps, "stale flag keeps the last-known-good value")
}

func TestApplyTrade_DerivesSentimentFromReserves(t *testing.T) {
	fx := newFixture(t, nil)

	m := activeMarket(7, "0xaaa", "0xMarket1")
	m.StructuralBps = 7000
	m.HybridBps = 7000
	fx.reg.Upsert(m)

	// Post-trade reserves 60/40: constant-product YES price = 40/100 = 0.4.
	ev := domain.Event{
		Kind:       domain.EventMarketTraded,
		GroupID:    7,
		MarketAddr: "0xmarket1", // address lookup is case-insensitive
		BuyYes:     true,
		AmountIn:   big.NewInt(10),
		YesReserve: big.NewInt(60),
		NoReserve:  big.NewInt(40),
		At:         time.Now().UTC(),
	}
	require.NoError(t, fx.orch.ApplyTrade(context.Background(), ev))

	got, ok := fx.reg.Get(7, "0xaaa")
	require.True(t, ok)
	assert.Equal(t, int64(4000), got.SentimentBps)
	assert.Equal(t, int64(6100), got.HybridBps) // 0.7*7000 + 0.3*4000
}

func TestApplyTrade_UntrackedMarketDropped(t *testing.T) {
	fx := newFixture(t, nil)

	ev := domain.Event{
		Kind:       domain.EventMarketTraded,
		MarketAddr: "0xelsewhere",
		AmountIn:   big.NewInt(10),
		YesReserve: big.NewInt(50),
		NoReserve:  big.NewInt(50),
	}
	require.NoError(t, fx.orch.ApplyTrade(context.Background(), ev))
	assert.Empty(t, fx.ledger.requests())
}

func TestApplyTrade_BadReservesRejected(t *testing.T) {
	fx := newFixture(t, nil)
	fx.reg.Upsert(activeMarket(7, "0xaaa", "0xmarket1"))

	ev := domain.Event{
		Kind:       domain.EventMarketTraded,
		MarketAddr: "0xmarket1",
		AmountIn:   big.NewInt(10),
		YesReserve: big.NewInt(0),
		NoReserve:  big.NewInt(40),
	}
	err := fx.orch.ApplyTrade(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, domain.IsInvariant(err))
}

func TestApplyTrade_WeightlessTradeDropped(t *testing.T) {
	fx := newFixture(t, nil)
	fx.reg.Upsert(activeMarket(7, "0xaaa", "0xmarket1"))

	ev := domain.Event{
		Kind:       domain.EventMarketTraded,
		MarketAddr: "0xmarket1",
		AmountIn:   big.NewInt(0),
		YesReserve: big.NewInt(60),
		NoReserve:  big.NewInt(40),
	}
	require.NoError(t, fx.orch.ApplyTrade(context.Background(), ev))

	got, _ := fx.reg.Get(7, "0xaaa")
	assert.Zero(t, got.SentimentBps)
}

func TestSentiment_VWAPWeighting(t *testing.T) {
	s := pricing.NewSentiment(16)

	bps, ok := s.Observe("7:0xaaa", decimal.RequireFromString("0.5"), decimal.NewFromInt(100))
	require.True(t, ok)
	assert.Equal(t, int64(5000), bps)

	// (0.5*100 + 0.25*300) / 400 = 0.3125
	bps, ok = s.Observe("7:0xaaa", decimal.RequireFromString("0.25"), decimal.NewFromInt(300))
	require.True(t, ok)
	assert.Equal(t, int64(3125), bps)
}

func TestSentiment_WindowSlides(t *testing.T) {
	s := pricing.NewSentiment(2)
	key := "7:0xaaa"

	s.Observe(key, decimal.RequireFromString("0.9"), decimal.NewFromInt(1))
	s.Observe(key, decimal.RequireFromString("0.5"), decimal.NewFromInt(1))
	bps, ok := s.Observe(key, decimal.RequireFromString("0.3"), decimal.NewFromInt(1))
	require.True(t, ok)

	// The 0.9 trade fell out of the window: (0.5 + 0.3) / 2 = 0.4.
	assert.Equal(t, int64(4000), bps)
	assert.Equal(t, 2, s.Window(key))
}

func TestSentiment_ZeroWeightIgnored(t *testing.T) {
	s := pricing.NewSentiment(4)
	_, ok := s.Observe("7:0xaaa", decimal.RequireFromString("0.5"), decimal.Zero)
	assert.False(t, ok)
	assert.Zero(t, s.Window("7:0xaaa"))
}

func TestRegistry_WarmFromStore(t *testing.T) {
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertMarket(ctx, activeMarket(7, "0xaaa", "0xm1")))
	require.NoError(t, db.UpsertMarket(ctx, activeMarket(7, "0xbbb", "0xm2")))
	require.NoError(t, db.UpsertMarket(ctx, activeMarket(8, "0xccc", "0xm3")))

	reg := pricing.NewRegistry()
	n, err := reg.Warm(ctx, db, []uint64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	m, ok := reg.ByAddress("0xM2")
	require.True(t, ok)
	assert.Equal(t, "0xbbb", m.Participant)
	assert.Len(t, reg.GroupMarkets(7), 2)
}

func TestRegistry_ConfirmAddress(t *testing.T) {
	reg := pricing.NewRegistry()
	m := activeMarket(7, "0xaaa", "")
	m.Status = domain.MarketStatusPending
	reg.Upsert(m)

	got, ok := reg.ConfirmAddress(7, "0xaaa", "0xDeployed")
	require.True(t, ok)
	assert.Equal(t, domain.MarketStatusActive, got.Status)
	assert.Equal(t, "0xDeployed", got.Address)

	byAddr, ok := reg.ByAddress("0xdeployed")
	require.True(t, ok)
	assert.Equal(t, got.Key(), byAddr.Key())

	_, ok = reg.ConfirmAddress(7, "0xmissing", "0x1")
	assert.False(t, ok)
}
