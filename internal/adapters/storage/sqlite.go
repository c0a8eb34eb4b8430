package storage

// sqlite.go is the default durable store.
//
// Layout:
//   - `markets`: one row per (group, participant), upserted as prices and
//     lifecycle move.
//   - `write_records`: append-only audit, ONE row per submission attempt.
//     A row is inserted pending and finalized exactly once; terminal rows
//     are never touched again.
//   - `activations`: one row per (group, participant) with the step
//     artifacts needed for idempotent resume.
//   - `prices`: last-known-good canonical price per market plus a stale
//     flag, for the read-serving layer.
//   - In-memory snapshot cache: skips price rows whose bps and stale flag
//     did not move since the last write. Cascades touch every market in a
//     group; most sentiment-driven cycles change only one.
//   - Prune at startup: write_records older than 30 days.

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
-- One row per market, refreshed in place
CREATE TABLE IF NOT EXISTS markets (
    group_id       INTEGER NOT NULL,
    participant    TEXT    NOT NULL,
    address        TEXT    NOT NULL DEFAULT '',
    status         TEXT    NOT NULL,
    curve          TEXT    NOT NULL,
    structural_bps INTEGER NOT NULL DEFAULT 0,
    sentiment_bps  INTEGER NOT NULL DEFAULT 0,
    hybrid_bps     INTEGER NOT NULL DEFAULT 0,
    funding        TEXT    NOT NULL DEFAULT '0',
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL,
    PRIMARY KEY (group_id, participant)
);

-- Append-only audit, one row per ledger write attempt
CREATE TABLE IF NOT EXISTS write_records (
    id          TEXT PRIMARY KEY,
    target      TEXT    NOT NULL,
    op          TEXT    NOT NULL,
    attempt     INTEGER NOT NULL,
    status      TEXT    NOT NULL,
    reference   TEXT    NOT NULL DEFAULT '',
    err_detail  TEXT    NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    finished_at DATETIME
);

-- One row per (group, participant) activation flow
CREATE TABLE IF NOT EXISTS activations (
    group_id     INTEGER NOT NULL,
    participant  TEXT    NOT NULL,
    status       TEXT    NOT NULL,
    reason       TEXT    NOT NULL DEFAULT '',
    condition_id TEXT    NOT NULL DEFAULT '',
    reserve_ref  TEXT    NOT NULL DEFAULT '',
    create_ref   TEXT    NOT NULL DEFAULT '',
    market_addr  TEXT    NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    updated_at   DATETIME NOT NULL,
    PRIMARY KEY (group_id, participant)
);

-- Last-known-good canonical price per market
CREATE TABLE IF NOT EXISTS prices (
    group_id       INTEGER NOT NULL,
    participant    TEXT    NOT NULL,
    market_addr    TEXT    NOT NULL DEFAULT '',
    structural_bps INTEGER NOT NULL,
    sentiment_bps  INTEGER NOT NULL,
    hybrid_bps     INTEGER NOT NULL,
    stale          INTEGER NOT NULL DEFAULT 0,
    updated_at     DATETIME NOT NULL,
    PRIMARY KEY (group_id, participant)
);

CREATE INDEX IF NOT EXISTS idx_wr_target  ON write_records(target, created_at);
CREATE INDEX IF NOT EXISTS idx_wr_created ON write_records(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_act_status ON activations(status);
CREATE INDEX IF NOT EXISTS idx_mk_group   ON markets(group_id);
`

const retentionWriteRecords = 30 * 24 * time.Hour

// priceState is the snapshot of the last persisted price for one market.
type priceState struct {
	structural int64
	sentiment  int64
	hybrid     int64
	stale      bool
}

// SQLiteStore implements ports.Store using SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db    *sql.DB
	cache map[string]priceState // market key -> last written snapshot
	mu    sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at the given path, applies
// the schema, prunes old audit rows, and preloads the price cache.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}

	s := &SQLiteStore{
		db:    db,
		cache: make(map[string]priceState),
	}
	s.pruneOld(context.Background())
	s.warmCache(context.Background())
	return s, nil
}

// UpsertMarket inserts or refreshes a market row. created_at survives the
// conflict update.
func (s *SQLiteStore) UpsertMarket(ctx context.Context, m domain.Market) error {
	funding := "0"
	if m.Funding != nil {
		funding = m.Funding.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(group_id, participant, address, status, curve,
			 structural_bps, sentiment_bps, hybrid_bps, funding,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, participant) DO UPDATE SET
			address        = excluded.address,
			status         = excluded.status,
			curve          = excluded.curve,
			structural_bps = excluded.structural_bps,
			sentiment_bps  = excluded.sentiment_bps,
			hybrid_bps     = excluded.hybrid_bps,
			funding        = excluded.funding,
			updated_at     = excluded.updated_at
	`,
		m.GroupID, m.Participant, m.Address, string(m.Status), string(m.Curve),
		m.StructuralBps, m.SentimentBps, m.HybridBps, funding,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.UpsertMarket %s: %w", m.Key(), err)
	}
	return nil
}

// GroupMarkets returns every market of the group, oldest first.
func (s *SQLiteStore) GroupMarkets(ctx context.Context, groupID uint64) ([]domain.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, participant, address, status, curve,
		       structural_bps, sentiment_bps, hybrid_bps, funding,
		       created_at, updated_at
		FROM markets
		WHERE group_id = ?
		ORDER BY created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("storage.GroupMarkets %d: %w", groupID, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.GroupMarkets %d: %w", groupID, err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// AppendWriteRecord adds one pending audit row.
func (s *SQLiteStore) AppendWriteRecord(ctx context.Context, rec domain.WriteRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO write_records (id, target, op, attempt, status, reference, err_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Target, string(rec.Op), rec.Attempt, string(rec.Status),
		rec.Reference, rec.ErrDetail, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.AppendWriteRecord %s: %w", rec.ID, err)
	}
	return nil
}

// FinalizeWriteRecord moves one pending row to its terminal status. Rows
// already terminal are left untouched, keeping the audit append-only.
func (s *SQLiteStore) FinalizeWriteRecord(ctx context.Context, id string, status domain.WriteStatus, reference, errDetail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE write_records
		SET status = ?, reference = ?, err_detail = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(status), reference, errDetail, time.Now().UTC(), id, string(domain.WriteStatusPending))
	if err != nil {
		return fmt.Errorf("storage.FinalizeWriteRecord %s: %w", id, err)
	}
	return nil
}

// WriteRecords returns the audit rows for one target, oldest first.
func (s *SQLiteStore) WriteRecords(ctx context.Context, target string) ([]domain.WriteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, op, attempt, status, reference, err_detail, created_at, finished_at
		FROM write_records
		WHERE target = ?
		ORDER BY rowid ASC
	`, target)
	if err != nil {
		return nil, fmt.Errorf("storage.WriteRecords %s: %w", target, err)
	}
	defer rows.Close()

	var recs []domain.WriteRecord
	for rows.Next() {
		var rec domain.WriteRecord
		var op, status, createdAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Target, &op, &rec.Attempt, &status,
			&rec.Reference, &rec.ErrDetail, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("storage.WriteRecords %s: scan: %w", target, err)
		}
		rec.Op = domain.WriteOp(op)
		rec.Status = domain.WriteStatus(status)
		rec.CreatedAt = parseTime(createdAt)
		if finishedAt.Valid {
			rec.FinishedAt = parseTime(finishedAt.String)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveActivation inserts or replaces the (group, participant) record.
func (s *SQLiteStore) SaveActivation(ctx context.Context, a domain.Activation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activations
			(group_id, participant, status, reason, condition_id,
			 reserve_ref, create_ref, market_addr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, participant) DO UPDATE SET
			status       = excluded.status,
			reason       = excluded.reason,
			condition_id = excluded.condition_id,
			reserve_ref  = excluded.reserve_ref,
			create_ref   = excluded.create_ref,
			market_addr  = excluded.market_addr,
			updated_at   = excluded.updated_at
	`, a.GroupID, a.Participant, string(a.Status), a.Reason, a.ConditionID,
		a.ReserveRef, a.CreateRef, a.MarketAddr, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveActivation %s: %w", a.Key(), err)
	}
	return nil
}

// Activation loads one record; ok is false when none exists.
func (s *SQLiteStore) Activation(ctx context.Context, groupID uint64, participant string) (domain.Activation, bool, error) {
	var a domain.Activation
	var status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE group_id = ? AND participant = ?
	`, groupID, participant).Scan(
		&a.GroupID, &a.Participant, &status, &a.Reason, &a.ConditionID,
		&a.ReserveRef, &a.CreateRef, &a.MarketAddr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.Activation{}, false, nil
	}
	if err != nil {
		return domain.Activation{}, false, fmt.Errorf("storage.Activation %d:%s: %w", groupID, participant, err)
	}
	a.Status = domain.ActivationStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, true, nil
}

// FailedActivations lists records eligible for operator retry.
func (s *SQLiteStore) FailedActivations(ctx context.Context) ([]domain.Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE status = ?
		ORDER BY updated_at ASC
	`, string(domain.ActivationFailed))
	if err != nil {
		return nil, fmt.Errorf("storage.FailedActivations: %w", err)
	}
	defer rows.Close()

	out, err := scanActivationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.FailedActivations: %w", err)
	}
	return out, nil
}

// InterruptedActivations lists records left mid-run: any intermediate
// status, or Created without its creation reference.
func (s *SQLiteStore) InterruptedActivations(ctx context.Context) ([]domain.Activation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE status IN (?, ?) OR (status = ? AND create_ref = '')
		ORDER BY updated_at ASC
	`, string(domain.ActivationConditionPrepared),
		string(domain.ActivationFundsReserved),
		string(domain.ActivationCreated))
	if err != nil {
		return nil, fmt.Errorf("storage.InterruptedActivations: %w", err)
	}
	defer rows.Close()

	out, err := scanActivationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.InterruptedActivations: %w", err)
	}
	return out, nil
}

// SavePrice upserts the canonical price snapshot, skipping rows whose
// values did not move since the last write.
func (s *SQLiteStore) SavePrice(ctx context.Context, snap domain.PriceSnapshot) error {
	key := domain.MarketKey(snap.GroupID, snap.Participant)
	next := priceState{
		structural: snap.StructuralBps,
		sentiment:  snap.SentimentBps,
		hybrid:     snap.HybridBps,
		stale:      snap.Stale,
	}

	s.mu.Lock()
	if prev, ok := s.cache[key]; ok && prev == next {
		s.mu.Unlock()
		return nil
	}
	s.cache[key] = next
	s.mu.Unlock()

	stale := 0
	if snap.Stale {
		stale = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices
			(group_id, participant, market_addr, structural_bps,
			 sentiment_bps, hybrid_bps, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, participant) DO UPDATE SET
			market_addr    = excluded.market_addr,
			structural_bps = excluded.structural_bps,
			sentiment_bps  = excluded.sentiment_bps,
			hybrid_bps     = excluded.hybrid_bps,
			stale          = excluded.stale,
			updated_at     = excluded.updated_at
	`, snap.GroupID, snap.Participant, snap.MarketAddr, snap.StructuralBps,
		snap.SentimentBps, snap.HybridBps, stale, snap.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SavePrice %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- internal helpers ---

func scanActivationRows(rows *sql.Rows) ([]domain.Activation, error) {
	var out []domain.Activation
	for rows.Next() {
		var a domain.Activation
		var status, createdAt, updatedAt string
		if err := rows.Scan(&a.GroupID, &a.Participant, &status, &a.Reason, &a.ConditionID,
			&a.ReserveRef, &a.CreateRef, &a.MarketAddr, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		a.Status = domain.ActivationStatus(status)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanMarket(rows *sql.Rows) (domain.Market, error) {
	var m domain.Market
	var status, curve, funding, createdAt, updatedAt string
	if err := rows.Scan(&m.GroupID, &m.Participant, &m.Address, &status, &curve,
		&m.StructuralBps, &m.SentimentBps, &m.HybridBps, &funding,
		&createdAt, &updatedAt); err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Curve = domain.CurveKind(curve)
	m.Funding = parseBigInt(funding)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// pruneOld drops audit rows past retention so the file stays light.
func (s *SQLiteStore) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionWriteRecords)
	s.db.ExecContext(ctx, `DELETE FROM write_records WHERE created_at < ?`, cutoff)
}

// warmCache preloads last-written prices so the first cycle after a restart
// does not rewrite unchanged rows.
func (s *SQLiteStore) warmCache(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, participant, structural_bps, sentiment_bps, hybrid_bps, stale FROM prices`)
	if err != nil {
		return
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var groupID uint64
		var participant string
		var st priceState
		var stale int
		if rows.Scan(&groupID, &participant, &st.structural, &st.sentiment, &st.hybrid, &stale) == nil {
			st.stale = stale == 1
			s.cache[domain.MarketKey(groupID, participant)] = st
		}
	}
}
