package ports

import (
	"context"
	"time"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// BrokerOrder is the single immediate-execution command that crosses the
// broker boundary. All staging, OCA grouping and trailing recalculation stay
// inside the engine; the broker never sees contingent or bracket structure.
type BrokerOrder struct {
	ClientOrderID string           // Engine-supplied idempotency token
	Symbol        string           // Instrument symbol
	Side          domain.OrderSide // BUY or SELL
	Quantity      float64          // Exact quantity to execute now
	Type          BrokerOrderType  // MARKET or STOP_MARKET
	StopPrice     float64          // Trigger for STOP_MARKET, ignored for MARKET
}

// BrokerOrderType is the order type transmitted to the broker.
type BrokerOrderType string

const (
	BrokerMarket     BrokerOrderType = "MARKET"
	BrokerStopMarket BrokerOrderType = "STOP_MARKET"
)

// FillEvent reports a broker-confirmed execution. FilledQty is the confirmed
// quantity and drives all downstream status changes and sizing; requested
// quantity is never substituted for it.
type FillEvent struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	FilledQty     float64
	FillPrice     float64
	Timestamp     time.Time
}

// RejectEvent reports a broker refusal of a previously submitted order.
type RejectEvent struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Reason        string
	Timestamp     time.Time
}

// Position is one line of the broker's live position blotter.
type Position struct {
	Symbol   string
	Quantity float64 // Positive long, negative short
	AvgPrice float64
}

// OpenOrder is one line of the broker's live open-order blotter, used only
// for startup reconciliation.
type OpenOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Status        string
}

// BrokerAdapter is the only boundary the broker crosses. It receives
// immediate-execution commands, never staged or bracket logic.
type BrokerAdapter interface {
	// Connect establishes the broker session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// IsConnected reports whether the session is live.
	IsConnected() bool

	// PlaceOrder transmits exactly one order and returns the broker's id.
	PlaceOrder(ctx context.Context, order BrokerOrder) (brokerOrderID string, err error)
	// CancelOrder cancels a previously transmitted order.
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error

	// StreamFills starts the asynchronous fill/reject stream. Handlers are
	// invoked from the adapter's own goroutine; the returned stop channel
	// shuts the stream down.
	StreamFills(ctx context.Context, onFill func(FillEvent), onReject func(RejectEvent)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// GetPositions returns the live position blotter.
	GetPositions(ctx context.Context) ([]Position, error)
	// GetOpenOrders returns the live open-order blotter for reconciliation.
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// GetHistoricalBars fetches daily bars for the volatility preload. Never
	// called from the tick path.
	GetHistoricalBars(ctx context.Context, symbol string, lookbackDays int) ([]domain.Bar, error)
}
