package ports

import (
	"context"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Store persists the records this engine owns (write audit, activation
// states) and sinks the read-serving data (markets, canonical prices). It
// is never consulted for pricing decisions; those read from the ledger.
// The one exception is warming the in-memory market registry at boot.
type Store interface {
	// UpsertMarket inserts or refreshes one market row.
	UpsertMarket(ctx context.Context, m domain.Market) error

	// GroupMarkets returns every market of a group, any status.
	GroupMarkets(ctx context.Context, groupID uint64) ([]domain.Market, error)

	// AppendWriteRecord adds one pending audit row for a write attempt.
	AppendWriteRecord(ctx context.Context, rec domain.WriteRecord) error

	// FinalizeWriteRecord moves a pending row to its single terminal
	// status. Rows already terminal are left untouched.
	FinalizeWriteRecord(ctx context.Context, id string, status domain.WriteStatus, reference, errDetail string) error

	// WriteRecords returns the audit rows for one target, oldest first.
	WriteRecords(ctx context.Context, target string) ([]domain.WriteRecord, error)

	// SaveActivation inserts or replaces the (group, participant) record.
	SaveActivation(ctx context.Context, a domain.Activation) error

	// Activation loads one record; ok is false when none exists.
	Activation(ctx context.Context, groupID uint64, participant string) (a domain.Activation, ok bool, err error)

	// FailedActivations lists records eligible for operator retry.
	FailedActivations(ctx context.Context) ([]domain.Activation, error)

	// InterruptedActivations lists records a crashed or stopped daemon
	// left in a non-terminal status, so the boot sweep can fail them
	// into the operator-retryable state.
	InterruptedActivations(ctx context.Context) ([]domain.Activation, error)

	// SavePrice sinks the canonical price snapshot for read serving.
	SavePrice(ctx context.Context, snap domain.PriceSnapshot) error

	// Close releases the underlying connection.
	Close() error
}
