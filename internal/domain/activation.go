package domain

import "time"

// ActivationStatus is the persisted state of the multi-step market creation
// flow. Every transition is stored and announced before its external action
// runs, so observers can see "started but unconfirmed" windows.
type ActivationStatus string

const (
	ActivationNotStarted        ActivationStatus = "not_started"
	ActivationConditionPrepared ActivationStatus = "condition_prepared"
	ActivationFundsReserved     ActivationStatus = "funds_reserved"
	ActivationCreated           ActivationStatus = "created"
	// ActivationFailed is terminal and holds a human-readable reason.
	// It is the only state an operator retry may re-enter from.
	ActivationFailed ActivationStatus = "failed"
)

// Activation is one record per (group, participant). Artifacts from steps
// that already committed externally are kept across failures so a retry
// resumes instead of re-creating them.
type Activation struct {
	GroupID     uint64
	Participant string
	Status      ActivationStatus
	Reason      string // set when Status == ActivationFailed
	ConditionID string // settlement condition, survives retries
	ReserveRef  string // funding transfer tx hash
	CreateRef   string // market creation tx hash
	MarketAddr  string // confirmed by the market-activated event
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the composite (group, participant) identity.
func (a Activation) Key() string {
	return MarketKey(a.GroupID, a.Participant)
}

// Startable reports whether a new activation run may begin. Anything past
// NotStarted that is not Failed means a run is in flight or done, and a
// second attempt is a no-op.
func (a Activation) Startable() bool {
	switch a.Status {
	case "", ActivationNotStarted, ActivationFailed:
		return true
	default:
		return false
	}
}

// Retryable reports whether an operator retry is allowed.
func (a Activation) Retryable() bool {
	return a.Status == ActivationFailed
}
