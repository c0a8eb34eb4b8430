package domain

import (
	"math/big"
	"time"
)

// EventKind discriminates the three ledger events the engine observes.
type EventKind string

const (
	// EventPositionChanged fires when a participant's holding moves.
	EventPositionChanged EventKind = "position_changed"
	// EventMarketTraded fires on a buy or sell in a participant market.
	EventMarketTraded EventKind = "market_traded"
	// EventMarketCreated confirms a factory-created market contract.
	EventMarketCreated EventKind = "market_created"
)

// Event is one decoded ledger log. Only the fields for its Kind are set.
type Event struct {
	Kind    EventKind
	GroupID uint64
	Block   uint64
	TxHash  string
	At      time.Time

	// EventPositionChanged
	Participant string
	NewHolding  *big.Int
	NewTotal    *big.Int

	// EventMarketTraded
	MarketAddr string
	BuyYes     bool
	AmountIn   *big.Int
	YesReserve *big.Int
	NoReserve  *big.Int

	// EventMarketCreated
	ConditionID string
}

// Severity grades an escalation for the notifier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Escalation is an outbound alert. Fire-and-forget: notifiers must never
// block the component that raised it.
type Escalation struct {
	Severity Severity
	Subject  string
	Context  map[string]string
	At       time.Time
}
