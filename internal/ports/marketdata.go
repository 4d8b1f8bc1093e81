package ports

import (
	"context"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// MarketDataClient delivers live price ticks. The engine only registers a
// callback; subscription plumbing, reconnects and feed health stay inside the
// adapter.
type MarketDataClient interface {
	// Connect establishes the feed session.
	Connect(ctx context.Context) error
	// Disconnect tears the feed down.
	Disconnect(ctx context.Context) error
	// Subscribe registers onTick for live updates on symbol. The callback
	// must not block; heavy work belongs behind a queue.
	Subscribe(ctx context.Context, symbol string, onTick func(domain.Tick)) error
	// Unsubscribe stops updates for symbol.
	Unsubscribe(ctx context.Context, symbol string) error
}
