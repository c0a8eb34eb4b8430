package cascade_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondOrder-fun/probsync/internal/adapters/storage"
	"github.com/SecondOrder-fun/probsync/internal/application/cascade"
	"github.com/SecondOrder-fun/probsync/internal/application/pricing"
	"github.com/SecondOrder-fun/probsync/internal/application/writer"
	"github.com/SecondOrder-fun/probsync/internal/domain"
)

type fakeReader struct {
	mu           sync.Mutex
	participants []string
	holdings     map[string]*big.Int
	holdingErr   error
	partCalls    int
}

func (f *fakeReader) Participants(ctx context.Context, groupID uint64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partCalls++
	return append([]string(nil), f.participants...), nil
}

func (f *fakeReader) Holding(ctx context.Context, groupID uint64, participant string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdingErr != nil {
		return nil, f.holdingErr
	}
	return f.holdings[participant], nil
}

func (f *fakeReader) TotalTickets(ctx context.Context, groupID uint64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeReader) PoolBalance(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeReader) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partCalls
}

func (f *fakeReader) setHolding(participant string, v int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdings[participant] = big.NewInt(v)
}

type scriptLedger struct {
	mu   sync.Mutex
	reqs []domain.WriteRequest
}

func (l *scriptLedger) Submit(ctx context.Context, req domain.WriteRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, req)
	return "0xtx", nil
}

func (l *scriptLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Escalation) {}

type fixture struct {
	reader *fakeReader
	reg    *pricing.Registry
	ledger *scriptLedger
	casc   *cascade.Cascade
}

func newFixture(t *testing.T, participants []string, holdings map[string]int64) *fixture {
	t.Helper()

	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := &scriptLedger{}
	wr := writer.New(writer.Config{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
		Cooldown:    time.Hour,
		Workers:     2,
		QueueSize:   64,
	}, ledger, db, nopNotifier{})
	wr.Start(context.Background())
	t.Cleanup(wr.Stop)

	reader := &fakeReader{
		participants: participants,
		holdings:     make(map[string]*big.Int),
	}
	for p, h := range holdings {
		reader.holdings[p] = big.NewInt(h)
	}

	reg := pricing.NewRegistry()
	orch := pricing.NewOrchestrator(domain.DefaultHybridWeights, reg, pricing.NewSentiment(8), db, nil, wr)
	return &fixture{
		reader: reader,
		reg:    reg,
		ledger: ledger,
		casc:   cascade.New(reader, orch),
	}
}

func seedMarket(reg *pricing.Registry, groupID uint64, participant, addr string) {
	now := time.Now().UTC()
	reg.Upsert(domain.Market{
		GroupID:     groupID,
		Participant: participant,
		Address:     addr,
		Status:      domain.MarketStatusActive,
		Curve:       domain.CurveConstantProduct,
		Funding:     big.NewInt(100),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func structuralOf(t *testing.T, reg *pricing.Registry, groupID uint64, participant string) int64 {
	t.Helper()
	m, ok := reg.Get(groupID, participant)
	require.True(t, ok)
	return m.StructuralBps
}

func TestRecompute_SharesFollowHoldings(t *testing.T) {
	fx := newFixture(t,
		[]string{"0xaaa", "0xbbb", "0xccc"},
		map[string]int64{"0xaaa": 400, "0xbbb": 300, "0xccc": 300})
	seedMarket(fx.reg, 7, "0xaaa", "0xm1")
	seedMarket(fx.reg, 7, "0xbbb", "0xm2")
	seedMarket(fx.reg, 7, "0xccc", "0xm3")

	ctx := context.Background()
	require.NoError(t, fx.casc.Recompute(ctx, domain.HoldingsChange{
		GroupID:     7,
		Participant: "0xaaa",
		NewHolding:  big.NewInt(400),
		NewTotal:    big.NewInt(1000),
	}))

	assert.Equal(t, int64(4000), structuralOf(t, fx.reg, 7, "0xaaa"))
	assert.Equal(t, int64(3000), structuralOf(t, fx.reg, 7, "0xbbb"))
	assert.Equal(t, int64(3000), structuralOf(t, fx.reg, 7, "0xccc"))

	// A buys 100 more tickets: every share moves, rounding leaves sum 9999.
	fx.reader.setHolding("0xaaa", 500)
	require.NoError(t, fx.casc.Recompute(ctx, domain.HoldingsChange{
		GroupID:     7,
		Participant: "0xaaa",
		NewHolding:  big.NewInt(500),
		NewTotal:    big.NewInt(1100),
	}))

	a := structuralOf(t, fx.reg, 7, "0xaaa")
	b := structuralOf(t, fx.reg, 7, "0xbbb")
	c := structuralOf(t, fx.reg, 7, "0xccc")
	assert.Equal(t, int64(4545), a)
	assert.Equal(t, int64(2727), b)
	assert.Equal(t, int64(2727), c)
	assert.True(t, domain.SumWithinTolerance(a+b+c, 3))

	require.Eventually(t, func() bool {
		return fx.ledger.count() == 6
	}, 2*time.Second, 10*time.Millisecond, "one price push per market per cycle")
}

func TestRecompute_ZeroTotalSkipsCycle(t *testing.T) {
	fx := newFixture(t, []string{"0xaaa"}, map[string]int64{"0xaaa": 0})
	seedMarket(fx.reg, 7, "0xaaa", "0xm1")

	require.NoError(t, fx.casc.Recompute(context.Background(), domain.HoldingsChange{
		GroupID:     7,
		Participant: "0xaaa",
		NewHolding:  big.NewInt(0),
		NewTotal:    big.NewInt(0),
	}))

	assert.Zero(t, fx.reader.calls(), "zero total never touches the ledger")
	assert.Zero(t, fx.ledger.count())
}

func TestRecompute_OnlyMarketedParticipants(t *testing.T) {
	fx := newFixture(t,
		[]string{"0xaaa", "0xbbb", "0xccc"},
		map[string]int64{"0xaaa": 400, "0xbbb": 300, "0xccc": 300})
	seedMarket(fx.reg, 7, "0xaaa", "0xm1")

	require.NoError(t, fx.casc.Recompute(context.Background(), domain.HoldingsChange{
		GroupID:  7,
		NewTotal: big.NewInt(1000),
	}))

	assert.Equal(t, int64(4000), structuralOf(t, fx.reg, 7, "0xaaa"))
	_, ok := fx.reg.Get(7, "0xbbb")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		return fx.ledger.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecompute_ReaderErrorAbortsCycle(t *testing.T) {
	fx := newFixture(t, []string{"0xaaa"}, map[string]int64{"0xaaa": 400})
	seedMarket(fx.reg, 7, "0xaaa", "0xm1")
	fx.reader.holdingErr = errors.New("rpc timeout")

	err := fx.casc.Recompute(context.Background(), domain.HoldingsChange{
		GroupID:  7,
		NewTotal: big.NewInt(1000),
	})
	require.Error(t, err)
	assert.Zero(t, fx.ledger.count(), "an aborted cycle publishes nothing")
}

func TestSubmit_SerializesWithinGroup(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.casc.Start(context.Background())
	t.Cleanup(fx.casc.Stop)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(2)

	require.True(t, fx.casc.Submit(1, func(context.Context) {
		defer wg.Done()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	require.True(t, fx.casc.Submit(1, func(context.Context) {
		defer wg.Done()
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}))

	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

func TestSubmit_GroupsRunInParallel(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.casc.Start(context.Background())
	t.Cleanup(fx.casc.Stop)

	gate := make(chan struct{})
	done := make(chan struct{})

	// Group 1 blocks until group 2 runs; serialized lanes would deadlock.
	require.True(t, fx.casc.Submit(1, func(context.Context) {
		<-gate
		close(done)
	}))
	require.True(t, fx.casc.Submit(2, func(context.Context) {
		close(gate)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("groups did not run in parallel")
	}
}

func TestSubmit_LifecycleGates(t *testing.T) {
	fx := newFixture(t, nil, nil)

	assert.False(t, fx.casc.Submit(1, func(context.Context) {}), "not started yet")

	fx.casc.Start(context.Background())
	fx.casc.Stop()
	assert.False(t, fx.casc.Submit(1, func(context.Context) {}), "stopped")
}

func TestSubmit_PanicDoesNotKillLane(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.casc.Start(context.Background())
	t.Cleanup(fx.casc.Stop)

	ran := make(chan struct{})
	require.True(t, fx.casc.Submit(1, func(context.Context) { panic("boom") }))
	require.True(t, fx.casc.Submit(1, func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("lane died after panic")
	}
}
