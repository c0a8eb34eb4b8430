package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS markets (
    group_id       BIGINT      NOT NULL,
    participant    TEXT        NOT NULL,
    address        TEXT        NOT NULL DEFAULT '',
    status         TEXT        NOT NULL,
    curve          TEXT        NOT NULL,
    structural_bps BIGINT      NOT NULL DEFAULT 0,
    sentiment_bps  BIGINT      NOT NULL DEFAULT 0,
    hybrid_bps     BIGINT      NOT NULL DEFAULT 0,
    funding        TEXT        NOT NULL DEFAULT '0',
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (group_id, participant)
);

CREATE TABLE IF NOT EXISTS write_records (
    id          TEXT PRIMARY KEY,
    target      TEXT        NOT NULL,
    op          TEXT        NOT NULL,
    attempt     INTEGER     NOT NULL,
    status      TEXT        NOT NULL,
    reference   TEXT        NOT NULL DEFAULT '',
    err_detail  TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS activations (
    group_id     BIGINT      NOT NULL,
    participant  TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    reason       TEXT        NOT NULL DEFAULT '',
    condition_id TEXT        NOT NULL DEFAULT '',
    reserve_ref  TEXT        NOT NULL DEFAULT '',
    create_ref   TEXT        NOT NULL DEFAULT '',
    market_addr  TEXT        NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (group_id, participant)
);

CREATE TABLE IF NOT EXISTS prices (
    group_id       BIGINT      NOT NULL,
    participant    TEXT        NOT NULL,
    market_addr    TEXT        NOT NULL DEFAULT '',
    structural_bps BIGINT      NOT NULL,
    sentiment_bps  BIGINT      NOT NULL,
    hybrid_bps     BIGINT      NOT NULL,
    stale          BOOLEAN     NOT NULL DEFAULT FALSE,
    updated_at     TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (group_id, participant)
);

CREATE INDEX IF NOT EXISTS idx_wr_target  ON write_records(target, created_at);
CREATE INDEX IF NOT EXISTS idx_act_status ON activations(status);
CREATE INDEX IF NOT EXISTS idx_mk_group   ON markets(group_id);
`

// PostgresStore implements ports.Store on a pgx connection pool, for
// deployments where the read-serving API shares the database.
type PostgresStore struct {
	pool  *pgxpool.Pool
	cache map[string]priceState
	mu    sync.Mutex
}

// NewPostgresStore connects, applies the schema, and preloads the price
// cache.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStore: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage.NewPostgresStore: apply schema: %w", err)
	}

	s := &PostgresStore{
		pool:  pool,
		cache: make(map[string]priceState),
	}
	s.warmCache(ctx)
	return s, nil
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m domain.Market) error {
	funding := "0"
	if m.Funding != nil {
		funding = m.Funding.String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO markets
			(group_id, participant, address, status, curve,
			 structural_bps, sentiment_bps, hybrid_bps, funding,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (group_id, participant) DO UPDATE SET
			address        = EXCLUDED.address,
			status         = EXCLUDED.status,
			curve          = EXCLUDED.curve,
			structural_bps = EXCLUDED.structural_bps,
			sentiment_bps  = EXCLUDED.sentiment_bps,
			hybrid_bps     = EXCLUDED.hybrid_bps,
			funding        = EXCLUDED.funding,
			updated_at     = EXCLUDED.updated_at
	`, m.GroupID, m.Participant, m.Address, string(m.Status), string(m.Curve),
		m.StructuralBps, m.SentimentBps, m.HybridBps, funding,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.UpsertMarket %s: %w", m.Key(), err)
	}
	return nil
}

func (s *PostgresStore) GroupMarkets(ctx context.Context, groupID uint64) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, participant, address, status, curve,
		       structural_bps, sentiment_bps, hybrid_bps, funding,
		       created_at, updated_at
		FROM markets
		WHERE group_id = $1
		ORDER BY created_at ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("storage.GroupMarkets %d: %w", groupID, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		var m domain.Market
		var status, curve, funding string
		if err := rows.Scan(&m.GroupID, &m.Participant, &m.Address, &status, &curve,
			&m.StructuralBps, &m.SentimentBps, &m.HybridBps, &funding,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage.GroupMarkets %d: scan: %w", groupID, err)
		}
		m.Status = domain.MarketStatus(status)
		m.Curve = domain.CurveKind(curve)
		m.Funding = parseBigInt(funding)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) AppendWriteRecord(ctx context.Context, rec domain.WriteRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO write_records (id, target, op, attempt, status, reference, err_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Target, string(rec.Op), rec.Attempt, string(rec.Status),
		rec.Reference, rec.ErrDetail, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.AppendWriteRecord %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) FinalizeWriteRecord(ctx context.Context, id string, status domain.WriteStatus, reference, errDetail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE write_records
		SET status = $1, reference = $2, err_detail = $3, finished_at = $4
		WHERE id = $5 AND status = $6
	`, string(status), reference, errDetail, time.Now().UTC(), id, string(domain.WriteStatusPending))
	if err != nil {
		return fmt.Errorf("storage.FinalizeWriteRecord %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) WriteRecords(ctx context.Context, target string) ([]domain.WriteRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, target, op, attempt, status, reference, err_detail, created_at, finished_at
		FROM write_records
		WHERE target = $1
		ORDER BY created_at ASC, attempt ASC
	`, target)
	if err != nil {
		return nil, fmt.Errorf("storage.WriteRecords %s: %w", target, err)
	}
	defer rows.Close()

	var recs []domain.WriteRecord
	for rows.Next() {
		var rec domain.WriteRecord
		var op, status string
		var finishedAt *time.Time
		if err := rows.Scan(&rec.ID, &rec.Target, &op, &rec.Attempt, &status,
			&rec.Reference, &rec.ErrDetail, &rec.CreatedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("storage.WriteRecords %s: scan: %w", target, err)
		}
		rec.Op = domain.WriteOp(op)
		rec.Status = domain.WriteStatus(status)
		if finishedAt != nil {
			rec.FinishedAt = *finishedAt
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) SaveActivation(ctx context.Context, a domain.Activation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activations
			(group_id, participant, status, reason, condition_id,
			 reserve_ref, create_ref, market_addr, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (group_id, participant) DO UPDATE SET
			status       = EXCLUDED.status,
			reason       = EXCLUDED.reason,
			condition_id = EXCLUDED.condition_id,
			reserve_ref  = EXCLUDED.reserve_ref,
			create_ref   = EXCLUDED.create_ref,
			market_addr  = EXCLUDED.market_addr,
			updated_at   = EXCLUDED.updated_at
	`, a.GroupID, a.Participant, string(a.Status), a.Reason, a.ConditionID,
		a.ReserveRef, a.CreateRef, a.MarketAddr, a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SaveActivation %s: %w", a.Key(), err)
	}
	return nil
}

func (s *PostgresStore) Activation(ctx context.Context, groupID uint64, participant string) (domain.Activation, bool, error) {
	var a domain.Activation
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE group_id = $1 AND participant = $2
	`, groupID, participant).Scan(
		&a.GroupID, &a.Participant, &status, &a.Reason, &a.ConditionID,
		&a.ReserveRef, &a.CreateRef, &a.MarketAddr, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Activation{}, false, nil
	}
	if err != nil {
		return domain.Activation{}, false, fmt.Errorf("storage.Activation %d:%s: %w", groupID, participant, err)
	}
	a.Status = domain.ActivationStatus(status)
	return a, true, nil
}

func (s *PostgresStore) FailedActivations(ctx context.Context) ([]domain.Activation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE status = $1
		ORDER BY updated_at ASC
	`, string(domain.ActivationFailed))
	if err != nil {
		return nil, fmt.Errorf("storage.FailedActivations: %w", err)
	}
	defer rows.Close()

	out, err := pgScanActivations(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.FailedActivations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InterruptedActivations(ctx context.Context) ([]domain.Activation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, participant, status, reason, condition_id,
		       reserve_ref, create_ref, market_addr, created_at, updated_at
		FROM activations
		WHERE status = ANY($1) OR (status = $2 AND create_ref = '')
		ORDER BY updated_at ASC
	`, []string{
		string(domain.ActivationConditionPrepared),
		string(domain.ActivationFundsReserved),
	}, string(domain.ActivationCreated))
	if err != nil {
		return nil, fmt.Errorf("storage.InterruptedActivations: %w", err)
	}
	defer rows.Close()

	out, err := pgScanActivations(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.InterruptedActivations: %w", err)
	}
	return out, nil
}

func pgScanActivations(rows pgx.Rows) ([]domain.Activation, error) {
	var out []domain.Activation
	for rows.Next() {
		var a domain.Activation
		var status string
		if err := rows.Scan(&a.GroupID, &a.Participant, &status, &a.Reason, &a.ConditionID,
			&a.ReserveRef, &a.CreateRef, &a.MarketAddr, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		a.Status = domain.ActivationStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePrice(ctx context.Context, snap domain.PriceSnapshot) error {
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO prices
			(group_id, participant, market_addr, structural_bps,
			 sentiment_bps, hybrid_bps, stale, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (group_id, participant) DO UPDATE SET
			market_addr    = EXCLUDED.market_addr,
			structural_bps = EXCLUDED.structural_bps,
			sentiment_bps  = EXCLUDED.sentiment_bps,
			hybrid_bps     = EXCLUDED.hybrid_bps,
			stale          = EXCLUDED.stale,
			updated_at     = EXCLUDED.updated_at
	`, snap.GroupID, snap.Participant, snap.MarketAddr, snap.StructuralBps,
		snap.SentimentBps, snap.HybridBps, snap.Stale, snap.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.SavePrice %s: %w", key, err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) warmCache(ctx context.Context) {
	rows, err := s.pool.Query(ctx,
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
		if rows.Scan(&groupID, &participant, &st.structural, &st.sentiment, &st.hybrid, &st.stale) == nil {
			s.cache[domain.MarketKey(groupID, participant)] = st
		}
	}
}
