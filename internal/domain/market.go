package domain

import (
	"fmt"
	"math/big"
	"time"
)

// CurveKind selects the pricing invariant a market was activated with.
// Stored per market so call sites dispatch through the curve interface
// instead of branching on a global setting.
type CurveKind string

const (
	CurveConstantSum     CurveKind = "constant_sum"
	CurveConstantProduct CurveKind = "constant_product"
	// CurveLMSR is valid for off-chain simulation only; the activation
	// machine refuses to create a market with it.
	CurveLMSR CurveKind = "lmsr"
)

// MarketStatus is the lifecycle of an activated market on the ledger.
type MarketStatus string

const (
	MarketStatusPending  MarketStatus = "pending"  // created, address not yet confirmed
	MarketStatusActive   MarketStatus = "active"   // confirmed, receiving price updates
	MarketStatusResolved MarketStatus = "resolved" // group resolved, no more updates
)

// Market is one two-outcome pricing instance bound to exactly one
// (group, participant) pair. At most one market exists per pair.
type Market struct {
	GroupID       uint64
	Participant   string
	Address       string // market contract, set once confirmed on-chain
	Status        MarketStatus
	Curve         CurveKind
	StructuralBps int64
	SentimentBps  int64
	HybridBps     int64
	Funding       *big.Int // collateral reserved at activation, minor units
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key identifies a market by its (group, participant) pair, which is stable
// before the contract address is known.
func (m Market) Key() string {
	return MarketKey(m.GroupID, m.Participant)
}

// MarketKey builds the composite identity used across the registry, the
// store, and write targets that predate the contract address.
func MarketKey(groupID uint64, participant string) string {
	return fmt.Sprintf("%d:%s", groupID, participant)
}

// Activated reports whether the market should receive probability pushes.
func (m Market) Activated() bool {
	return m.Status == MarketStatusPending || m.Status == MarketStatusActive
}

// PriceSnapshot is the canonical price as served to readers. Stale marks a
// snapshot whose last ledger push failed: readers get the last-known-good
// value with the flag, never a partial or null price.
type PriceSnapshot struct {
	GroupID       uint64
	Participant   string
	MarketAddr    string
	StructuralBps int64
	SentimentBps  int64
	HybridBps     int64
	Stale         bool
	UpdatedAt     time.Time
}

