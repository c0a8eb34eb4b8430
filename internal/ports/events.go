package ports

import (
	"context"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// EventFilter scopes one watch to a set of contracts. GroupID labels the
// decoded events; Addresses may grow as markets are activated, in which
// case the watch is stopped and replaced.
type EventFilter struct {
	GroupID   uint64
	Addresses []string
	FromBlock uint64
}

// Subscription is one running watch.
type Subscription interface {
	// Stop halts this watch without touching any other.
	Stop()
}

// EventSource polls the ledger for logs and delivers decoded events.
// Callbacks run on the watcher goroutine: handlers must hand work off and
// return, never block. onError receives poll failures; the watch keeps
// running after them.
type EventSource interface {
	Watch(ctx context.Context, filter EventFilter, onEvent func(domain.Event), onError func(error)) (Subscription, error)
}
