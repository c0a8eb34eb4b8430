package domain

import "math/big"

// Group is a time-boxed cohort of participants whose ticket holdings are
// mutually exclusive shares of one fixed total. Created and resolved by the
// external ledger; the engine only tracks which groups it watches.
type Group struct {
	ID     uint64
	Label  string
	Active bool
}

// Position is one participant's holding inside a group. The external ledger
// owns it; the engine reads it and never writes it.
type Position struct {
	GroupID     uint64
	Participant string   // 0x-prefixed address
	Holding     *big.Int // ticket count, token minor units
}

// HoldingsChange is the notification that drives a cascade recompute.
// NewTotal is the group total after the change, as reported by the ledger.
type HoldingsChange struct {
	GroupID     uint64
	Participant string
	NewHolding  *big.Int
	NewTotal    *big.Int
}
