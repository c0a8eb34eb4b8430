package storage_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SecondOrder-fun/probsync/internal/adapters/storage"
	"github.com/SecondOrder-fun/probsync/internal/domain"
)

func openStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeMarket(groupID uint64, participant string) domain.Market {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Market{
		GroupID:       groupID,
		Participant:   participant,
		Status:        domain.MarketStatusPending,
		Curve:         domain.CurveConstantProduct,
		StructuralBps: 4000,
		SentimentBps:  4000,
		HybridBps:     4000,
		Funding:       big.NewInt(100),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteStore_UpsertAndListMarkets(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertMarket(ctx, makeMarket(1, "0xaaa")))
	require.NoError(t, db.UpsertMarket(ctx, makeMarket(1, "0xbbb")))
	require.NoError(t, db.UpsertMarket(ctx, makeMarket(2, "0xccc")))

	// Second upsert refreshes in place instead of duplicating.
	m := makeMarket(1, "0xaaa")
	m.Address = "0xmarket1"
	m.Status = domain.MarketStatusActive
	m.HybridBps = 4545
	require.NoError(t, db.UpsertMarket(ctx, m))

	markets, err := db.GroupMarkets(ctx, 1)
	require.NoError(t, err)
	require.Len(t, markets, 2)

	byKey := map[string]domain.Market{}
	for _, got := range markets {
		byKey[got.Key()] = got
	}
	got := byKey["1:0xaaa"]
	assert.Equal(t, "0xmarket1", got.Address)
	assert.Equal(t, domain.MarketStatusActive, got.Status)
	assert.Equal(t, int64(4545), got.HybridBps)
	assert.Equal(t, domain.CurveConstantProduct, got.Curve)
	assert.Equal(t, int64(100), got.Funding.Int64())
}

func TestSQLiteStore_GroupMarkets_Empty(t *testing.T) {
	db := openStore(t)

	markets, err := db.GroupMarkets(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, markets)
}

func TestSQLiteStore_WriteRecords_OneRowPerAttempt(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		rec := domain.WriteRecord{
			ID:        uuid.NewString(),
			Target:    "0xmarket1",
			Op:        domain.OpUpdateHybridPrice,
			Attempt:   attempt,
			Status:    domain.WriteStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, db.AppendWriteRecord(ctx, rec))

		status := domain.WriteStatusFailed
		reference := ""
		detail := "transient ledger failure: timeout"
		if attempt == 3 {
			status = domain.WriteStatusSuccess
			reference = "0xtx3"
			detail = ""
		}
		require.NoError(t, db.FinalizeWriteRecord(ctx, rec.ID, status, reference, detail))
	}

	recs, err := db.WriteRecords(ctx, "0xmarket1")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, domain.WriteStatusFailed, recs[0].Status)
	assert.Equal(t, domain.WriteStatusFailed, recs[1].Status)
	assert.Equal(t, domain.WriteStatusSuccess, recs[2].Status)
	assert.Equal(t, "0xtx3", recs[2].Reference)
	assert.False(t, recs[2].FinishedAt.IsZero())
}

func TestSQLiteStore_FinalizeWriteRecord_TerminalRowsImmutable(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	rec := domain.WriteRecord{
		ID:        uuid.NewString(),
		Target:    "0xmarket1",
		Op:        domain.OpUpdateHybridPrice,
		Attempt:   1,
		Status:    domain.WriteStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.AppendWriteRecord(ctx, rec))
	require.NoError(t, db.FinalizeWriteRecord(ctx, rec.ID, domain.WriteStatusSuccess, "0xtx1", ""))

	// A second finalize must not rewrite the terminal row.
	require.NoError(t, db.FinalizeWriteRecord(ctx, rec.ID, domain.WriteStatusFailed, "", "late error"))

	recs, err := db.WriteRecords(ctx, "0xmarket1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.WriteStatusSuccess, recs[0].Status)
	assert.Equal(t, "0xtx1", recs[0].Reference)
	assert.Empty(t, recs[0].ErrDetail)
}

func TestSQLiteStore_Activations(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	_, ok, err := db.Activation(ctx, 1, "0xaaa")
	require.NoError(t, err)
	assert.False(t, ok)

	now := time.Now().UTC().Truncate(time.Second)
	a := domain.Activation{
		GroupID:     1,
		Participant: "0xaaa",
		Status:      domain.ActivationConditionPrepared,
		ConditionID: "0xcond",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, db.SaveActivation(ctx, a))

	a.Status = domain.ActivationFailed
	a.Reason = "reserve funding: ledger rejected write"
	a.UpdatedAt = now.Add(time.Second)
	require.NoError(t, db.SaveActivation(ctx, a))

	got, ok, err := db.Activation(ctx, 1, "0xaaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ActivationFailed, got.Status)
	assert.Equal(t, "0xcond", got.ConditionID, "artifacts survive the failure")
	assert.Contains(t, got.Reason, "rejected")

	failed, err := db.FailedActivations(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "1:0xaaa", failed[0].Key())
}

func TestSQLiteStore_InterruptedActivations(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	save := func(participant string, status domain.ActivationStatus, createRef string) {
		require.NoError(t, db.SaveActivation(ctx, domain.Activation{
			GroupID:     1,
			Participant: participant,
			Status:      status,
			CreateRef:   createRef,
			CreatedAt:   now,
			UpdatedAt:   now,
		}))
	}
	save("0xaaa", domain.ActivationConditionPrepared, "")
	save("0xbbb", domain.ActivationFundsReserved, "")
	save("0xccc", domain.ActivationCreated, "") // entered step 3, never finished
	save("0xddd", domain.ActivationCreated, "0xtx9")
	save("0xeee", domain.ActivationFailed, "")
	save("0xfff", domain.ActivationNotStarted, "")

	got, err := db.InterruptedActivations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	keys := map[string]bool{}
	for _, a := range got {
		keys[a.Key()] = true
	}
	assert.True(t, keys["1:0xaaa"])
	assert.True(t, keys["1:0xbbb"])
	assert.True(t, keys["1:0xccc"])
}

func TestSQLiteStore_SavePrice_SkipsUnchanged(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	snap := domain.PriceSnapshot{
		GroupID:       1,
		Participant:   "0xaaa",
		MarketAddr:    "0xmarket1",
		StructuralBps: 4545,
		SentimentBps:  4000,
		HybridBps:     4382,
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, db.SavePrice(ctx, snap))

	// Same values again: the skip cache swallows the write.
	snap.UpdatedAt = snap.UpdatedAt.Add(time.Minute)
	require.NoError(t, db.SavePrice(ctx, snap))

	// Flipping the stale flag is a change and must land.
	snap.Stale = true
	require.NoError(t, db.SavePrice(ctx, snap))
}
