// Package paperbroker is an in-memory broker used for dry runs and tests.
// Every MARKET order is acknowledged immediately and filled asynchronously at
// the last observed price, which keeps the engine's submit/ack/fill sequence
// identical to a live session.
package paperbroker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

type event struct {
	fill   *ports.FillEvent
	reject *ports.RejectEvent
}

// Broker implements ports.BrokerAdapter against in-memory state.
type Broker struct {
	logger ports.Logger

	mu        sync.Mutex
	connected bool
	prices    map[string]float64      // last seen price per symbol
	open      map[string]ports.OpenOrder // by broker order id
	positions map[string]float64      // signed quantity per symbol

	events chan event
	nextID atomic.Int64
}

// New creates a paper broker.
func New(logger ports.Logger) *Broker {
	return &Broker{
		logger:    logger,
		prices:    make(map[string]float64),
		open:      make(map[string]ports.OpenOrder),
		positions: make(map[string]float64),
		events:    make(chan event, 256),
	}
}

// SetPrice records the execution price used for subsequent fills on the
// symbol. Wire it to the tick stream in a dry run.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.logger.Info(ctx, "Paper broker connected", nil)
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PlaceOrder accepts the order and schedules an asynchronous fill at the last
// seen price. An unknown symbol is rejected the way a live broker would
// reject an untradeable instrument. Events are never sent while holding the
// lock, so a slow or absent stream consumer cannot wedge the caller.
func (b *Broker) PlaceOrder(ctx context.Context, order ports.BrokerOrder) (string, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return "", fmt.Errorf("paper broker: %w", ports.ErrConnectionFailed)
	}
	if order.Quantity <= 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("paper broker: non-positive quantity %f: %w", order.Quantity, ports.ErrInvalidRequest)
	}
	brokerID := fmt.Sprintf("PAPER-%d", b.nextID.Add(1))

	price, ok := b.prices[order.Symbol]
	if !ok {
		b.mu.Unlock()
		go func() {
			b.events <- event{reject: &ports.RejectEvent{
				BrokerOrderID: brokerID,
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Reason:        "no market data for symbol",
				Timestamp:     time.Now().UTC(),
			}}
		}()
		return brokerID, nil
	}

	b.open[brokerID] = ports.OpenOrder{
		BrokerOrderID: brokerID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        "NEW",
	}
	b.mu.Unlock()

	go b.fill(brokerID, order, price)
	return brokerID, nil
}

// fill executes the order unless it was cancelled first. The open-order entry
// stays visible until the fill is dispatched, so CancelOrder can still win
// the race and suppress the execution.
func (b *Broker) fill(brokerID string, order ports.BrokerOrder, price float64) {
	b.mu.Lock()
	if _, live := b.open[brokerID]; !live {
		b.mu.Unlock()
		return
	}
	delete(b.open, brokerID)

	signed := order.Quantity
	if order.Side == domain.Sell {
		signed = -signed
	}
	b.positions[order.Symbol] += signed
	b.mu.Unlock()

	b.events <- event{fill: &ports.FillEvent{
		BrokerOrderID: brokerID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		FilledQty:     order.Quantity,
		FillPrice:     price,
		Timestamp:     time.Now().UTC(),
	}}
}

func (b *Broker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.open[brokerOrderID]; !ok {
		return fmt.Errorf("paper broker: order %s: %w", brokerOrderID, ports.ErrOrderNotFound)
	}
	delete(b.open, brokerOrderID)
	return nil
}

// StreamFills delivers the queued fill and reject events until stopped.
func (b *Broker) StreamFills(ctx context.Context, onFill func(ports.FillEvent), onReject func(ports.RejectEvent)) (chan struct{}, chan struct{}, error) {
	doneCh := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev := <-b.events:
				if ev.fill != nil {
					onFill(*ev.fill)
				}
				if ev.reject != nil {
					onReject(*ev.reject)
				}
			}
		}
	}()
	return doneCh, stopCh, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]ports.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.Position, 0, len(b.positions))
	for symbol, qty := range b.positions {
		if qty == 0 {
			continue
		}
		out = append(out, ports.Position{Symbol: symbol, Quantity: qty, AvgPrice: b.prices[symbol]})
	}
	return out, nil
}

func (b *Broker) GetOpenOrders(ctx context.Context) ([]ports.OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ports.OpenOrder, 0, len(b.open))
	for _, oo := range b.open {
		out = append(out, oo)
	}
	return out, nil
}

// GetHistoricalBars synthesizes flat bars from the last seen price so the
// volatility preload degrades instead of failing in a dry run.
func (b *Broker) GetHistoricalBars(ctx context.Context, symbol string, lookbackDays int) ([]domain.Bar, error) {
	b.mu.Lock()
	price, ok := b.prices[symbol]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper broker: no market data for %s: %w", symbol, ports.ErrNotFound)
	}
	bars := make([]domain.Bar, lookbackDays)
	day := time.Now().UTC().Truncate(24 * time.Hour)
	for i := range bars {
		bars[i] = domain.Bar{
			Time:  day.AddDate(0, 0, i-lookbackDays),
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	}
	return bars, nil
}
