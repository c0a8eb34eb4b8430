package monitor_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/monitor"
)

type fakeReader struct {
	mu   sync.Mutex
	pool *big.Int
	err  error
}

func (r *fakeReader) Participants(ctx context.Context, groupID uint64) ([]string, error) {
	return nil, nil
}

func (r *fakeReader) Holding(ctx context.Context, groupID uint64, participant string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (r *fakeReader) TotalTickets(ctx context.Context, groupID uint64) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (r *fakeReader) PoolBalance(ctx context.Context) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return new(big.Int).Set(r.pool), nil
}

func (r *fakeReader) set(pool int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = big.NewInt(pool)
	r.err = err
}

type recordNotifier struct {
	mu     sync.Mutex
	events []domain.Escalation
}

func (n *recordNotifier) Notify(e domain.Escalation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordNotifier) count(subject string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Subject == subject {
			c++
		}
	}
	return c
}

func newMonitor(reader *fakeReader, notes *recordNotifier) *monitor.Monitor {
	return monitor.New(monitor.Config{
		Schedule:         "@every 1m",
		Funding:          big.NewInt(100),
		LowFundingFactor: 10,
	}, reader, notes)
}

func TestCheck_WarnsOnCrossingOnly(t *testing.T) {
	reader := &fakeReader{pool: big.NewInt(500)}
	notes := &recordNotifier{}
	m := newMonitor(reader, notes)
	ctx := context.Background()

	// 500 < 100*10: one warning on the way down, silence while it stays low.
	m.Check(ctx)
	m.Check(ctx)
	assert.Equal(t, 1, notes.count("activation funding pool low"))

	reader.set(5000, nil)
	m.Check(ctx)
	assert.Equal(t, 1, notes.count("activation funding pool recovered"))

	reader.set(900, nil)
	m.Check(ctx)
	assert.Equal(t, 2, notes.count("activation funding pool low"))
}

func TestCheck_ReadFailureEscalatesNothing(t *testing.T) {
	reader := &fakeReader{pool: big.NewInt(500)}
	reader.set(0, errors.New("rpc down"))
	notes := &recordNotifier{}
	m := newMonitor(reader, notes)

	m.Check(context.Background())
	assert.Equal(t, 0, notes.count("activation funding pool low"))
}

func TestCheck_DisabledFactorKeepsQuiet(t *testing.T) {
	reader := &fakeReader{pool: big.NewInt(1)}
	notes := &recordNotifier{}
	m := monitor.New(monitor.Config{
		Schedule:         "@every 1m",
		Funding:          big.NewInt(100),
		LowFundingFactor: 0,
	}, reader, notes)

	m.Check(context.Background())
	assert.Equal(t, 0, notes.count("activation funding pool low"))
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	reader := &fakeReader{pool: big.NewInt(500)}
	m := monitor.New(monitor.Config{
		Schedule:         "not a schedule",
		Funding:          big.NewInt(100),
		LowFundingFactor: 10,
	}, reader, &recordNotifier{})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule")
}

func TestStartStop_Lifecycle(t *testing.T) {
	reader := &fakeReader{pool: big.NewInt(5000)}
	m := newMonitor(reader, &recordNotifier{})

	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}
