package ports

import "github.com/SecondOrder-fun/probsync/internal/domain"

// Notifier delivers escalations to an operator channel. Implementations
// must be fire-and-forget: a slow or failing channel never blocks or
// crashes the component that escalated.
type Notifier interface {
	Notify(e domain.Escalation)
}
