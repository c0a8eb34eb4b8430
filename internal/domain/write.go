package domain

import "time"

// WriteOp is the operation kind carried by a ledger write request. The EVM
// adapter maps each op to a contract method; the writer treats it opaquely.
type WriteOp string

const (
	// OpUpdateHybridPrice pushes a market's canonical price in bps.
	OpUpdateHybridPrice WriteOp = "update_hybrid_price"
	// OpReserveFunding moves activation collateral from the shared pool
	// to a market being created.
	OpReserveFunding WriteOp = "reserve_funding"
	// OpCreateMarket instantiates the market contract via the factory.
	OpCreateMarket WriteOp = "create_market"
)

// WriteRequest is one unit of work for the resilient writer.
// Target is a contract address or, before an address exists, a market key.
type WriteRequest struct {
	Target string
	Op     WriteOp
	Args   []any
}

// WriteStatus is the lifecycle of a single write attempt.
type WriteStatus string

const (
	WriteStatusPending WriteStatus = "pending"
	WriteStatusSuccess WriteStatus = "success"
	WriteStatusFailed  WriteStatus = "failed"
)

// WriteRecord is one append-only audit row, one per attempt. A row is
// created pending, reaches exactly one terminal status, and is never
// mutated afterwards.
type WriteRecord struct {
	ID         string // uuid
	Target     string
	Op         WriteOp
	Attempt    int // 1-based
	Status     WriteStatus
	Reference  string // tx hash on success
	ErrDetail  string // classified error on failure
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Outcome is what the writer hands back to callers. It is a value, not a
// panic: a failed price push must never crash the component that asked
// for it.
type Outcome struct {
	Status    WriteStatus
	Reference string
	Attempts  int
	Err       error
}

// Confirmed reports whether the write landed on the ledger.
func (o Outcome) Confirmed() bool { return o.Status == WriteStatusSuccess }
