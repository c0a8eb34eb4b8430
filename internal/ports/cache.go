package ports

import (
	"context"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// PriceCache publishes canonical prices to a hot read path (Redis). Optional:
// the engine runs without one, and publish failures are logged, never fatal.
type PriceCache interface {
	Publish(ctx context.Context, snap domain.PriceSnapshot) error
	Close() error
}
