package ports

import (
	"context"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// TradeRepository is the durable record of every trade and its orders. It is
// the single shared mutable resource of the engine: Save must replace the
// whole trade record atomically (never patch individual fields) so concurrent
// readers never observe a torn trade. Records are retained forever; terminal
// trades are never deleted.
type TradeRepository interface {
	// Save atomically writes the trade and all of its orders, replacing any
	// previous record with the same id.
	Save(ctx context.Context, trade *domain.Trade) error
	// FindByID retrieves a trade by its id. Returns nil, nil if not found.
	FindByID(ctx context.Context, id string) (*domain.Trade, error)
	// FindAll reloads the full collection, ordered by creation time. Used for
	// crash recovery at process start.
	FindAll(ctx context.Context) ([]*domain.Trade, error)
	// FindActive retrieves every trade whose derived status is not terminal.
	FindActive(ctx context.Context) ([]*domain.Trade, error)
}
