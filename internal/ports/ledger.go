package ports

import (
	"context"
	"math/big"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// LedgerReader reads participant state from the external ledger. The ledger
// owns this data; the engine never caches a writable copy of any of it.
type LedgerReader interface {
	// Participants returns every address holding a position in the group.
	Participants(ctx context.Context, groupID uint64) ([]string, error)

	// Holding returns one participant's current ticket count.
	Holding(ctx context.Context, groupID uint64, participant string) (*big.Int, error)

	// TotalTickets returns the group's fixed total as the ledger sees it.
	TotalTickets(ctx context.Context, groupID uint64) (*big.Int, error)

	// PoolBalance returns the shared activation funding pool balance.
	PoolBalance(ctx context.Context) (*big.Int, error)
}

// LedgerWriter submits one state-changing operation and waits for it to
// confirm. Errors are classified with domain.Transient or domain.Rejected.
// Only the resilient writer calls this; every other component goes through
// the writer so each attempt is audited and retried consistently.
type LedgerWriter interface {
	Submit(ctx context.Context, req domain.WriteRequest) (reference string, err error)
}

// Settlement is the binary-outcome condition registry. PrepareCondition is
// idempotent from the engine's point of view: the returned id is persisted
// on the activation record and reused on retry.
type Settlement interface {
	// PrepareCondition registers the outcome pair for a market.
	PrepareCondition(ctx context.Context, groupID uint64, participant string) (conditionID string, err error)

	// ReportOutcome resolves a condition with the winning payout split.
	ReportOutcome(ctx context.Context, conditionID string, payouts [2]*big.Int) error
}
