package binancebroker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

// MarketData implements ports.MarketDataClient over the aggregated trade
// stream. Each subscription runs its own reconnect loop and is torn down via
// Unsubscribe or context cancellation.
type MarketData struct {
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// NewMarketData creates the tick feed adapter.
func NewMarketData(cfg Config) (*MarketData, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance market data")
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if cfg.UseTestnet {
		futures.UseTestnet = true
	}
	return &MarketData{
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		subs:                 make(map[string]context.CancelFunc),
	}, nil
}

func (m *MarketData) Connect(ctx context.Context) error { return nil }

// Disconnect tears down every active subscription.
func (m *MarketData) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, cancel := range m.subs {
		cancel()
		delete(m.subs, symbol)
	}
	return nil
}

// Subscribe starts the aggregated trade stream for the symbol and delivers
// every trade as a tick. Subscribing twice to one symbol replaces the
// previous callback.
func (m *MarketData) Subscribe(ctx context.Context, symbol string, onTick func(domain.Tick)) error {
	op := "Subscribe"

	m.mu.Lock()
	if cancel, ok := m.subs[symbol]; ok {
		cancel()
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.subs[symbol] = cancel
	m.mu.Unlock()

	handler := func(event *futures.WsAggTradeEvent) {
		if event == nil {
			return
		}
		price, err := strconv.ParseFloat(event.Price, 64)
		if err != nil {
			m.logger.Error(subCtx, err, op+": Failed to parse trade price", map[string]interface{}{"symbol": symbol, "raw": event.Price})
			return
		}
		onTick(domain.Tick{
			Symbol: symbol,
			Price:  price,
			Time:   time.UnixMilli(event.TradeTime),
		})
	}
	errHandler := func(err error) {
		m.logger.Warn(subCtx, op+": WebSocket error reported", map[string]interface{}{"symbol": symbol, "error": err.Error()})
	}

	// Reconnection loop in its own goroutine per symbol.
	go func() {
		attempt := 0
		for {
			select {
			case <-subCtx.Done():
				m.logger.Info(subCtx, op+": Context cancelled, stopping tick stream.", map[string]interface{}{"symbol": symbol})
				return
			default:
			}

			m.logger.Info(subCtx, op+": Attempting tick stream connection...", map[string]interface{}{"symbol": symbol, "attempt": attempt + 1})
			doneCh, stopCh, err := futures.WsAggTradeServe(symbol, handler, errHandler)
			if err != nil {
				attempt++
				if attempt >= m.maxReconnectAttempts {
					m.logger.Error(subCtx, err, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"symbol": symbol})
					return
				}
				delay := m.reconnectDelay * time.Duration(1<<uint(attempt-1))
				select {
				case <-time.After(delay):
					continue
				case <-subCtx.Done():
					return
				}
			}

			m.logger.Info(subCtx, op+": Tick stream established.", map[string]interface{}{"symbol": symbol})
			attempt = 0

			select {
			case <-doneCh:
				m.logger.Warn(subCtx, op+": Tick stream closed unexpectedly. Reconnecting...", map[string]interface{}{"symbol": symbol})
			case <-subCtx.Done():
				select {
				case stopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	return nil
}

// Unsubscribe stops the symbol's stream.
func (m *MarketData) Unsubscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.subs[symbol]; ok {
		cancel()
		delete(m.subs, symbol)
	}
	return nil
}
