package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/engine/ticks"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

// Agent is the application facade: it owns the session lifecycle (connect,
// recover, stream, shut down) and exposes the trade operations, keeping the
// market-data subscriptions in step with the symbols under management.
type Agent struct {
	logger  ports.Logger
	manager *Manager
	exec    *Executor
	broker  ports.BrokerAdapter
	feed    ports.MarketDataClient
	handler *ticks.Handler

	mu         sync.Mutex
	subscribed map[string]bool
	stopFills  chan struct{}
}

// AgentConfig carries the Agent's dependencies.
type AgentConfig struct {
	Logger     ports.Logger
	Manager    *Manager
	Executor   *Executor
	Broker     ports.BrokerAdapter
	MarketData ports.MarketDataClient
	Ticks      *ticks.Handler
}

// NewAgent validates dependencies and assembles the facade.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Logger == nil || cfg.Manager == nil || cfg.Executor == nil || cfg.Broker == nil || cfg.MarketData == nil || cfg.Ticks == nil {
		return nil, fmt.Errorf("missing required dependencies for Agent")
	}
	return &Agent{
		logger:     cfg.Logger,
		manager:    cfg.Manager,
		exec:       cfg.Executor,
		broker:     cfg.Broker,
		feed:       cfg.MarketData,
		handler:    cfg.Ticks,
		subscribed: make(map[string]bool),
	}, nil
}

// Start brings the session up: broker connection, fill stream, durable-state
// recovery, volatility preload, tick pipeline and feed subscriptions for
// every recovered symbol. It returns once the engine is running; Stop tears
// it down.
func (a *Agent) Start(ctx context.Context) error {
	op := "Start"

	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("%s: broker connection failed: %w", op, err)
	}
	if err := a.feed.Connect(ctx); err != nil {
		return fmt.Errorf("%s: market data connection failed: %w", op, err)
	}

	_, stopFills, err := a.exec.Start(ctx)
	if err != nil {
		return fmt.Errorf("%s: fill stream failed: %w", op, err)
	}
	a.stopFills = stopFills

	// Reconcile persisted state against the broker before any evaluation.
	if err := a.manager.Recover(ctx); err != nil {
		return fmt.Errorf("%s: recovery failed: %w", op, err)
	}
	a.manager.PreloadVolatility(ctx)

	go a.handler.Run(ctx)

	for _, symbol := range a.manager.registry.Symbols() {
		if err := a.watch(ctx, symbol); err != nil {
			a.logger.Error(ctx, err, op+": Failed to subscribe recovered symbol", map[string]interface{}{"symbol": symbol})
		}
	}

	a.logger.Info(ctx, op+": Engine running", map[string]interface{}{
		"activeTrades": a.manager.registry.ActiveCount(),
	})
	return nil
}

// Stop shuts the session down in reverse order.
func (a *Agent) Stop(ctx context.Context) {
	op := "Stop"
	if a.stopFills != nil {
		close(a.stopFills)
	}
	if err := a.feed.Disconnect(ctx); err != nil {
		a.logger.Warn(ctx, op+": Market data disconnect failed", map[string]interface{}{"error": err.Error()})
	}
	if err := a.broker.Disconnect(ctx); err != nil {
		a.logger.Warn(ctx, op+": Broker disconnect failed", map[string]interface{}{"error": err.Error()})
	}
	a.logger.Info(ctx, op+": Engine stopped")
}

// ActivateTrade validates and activates a trade definition and ensures its
// symbol is streaming.
func (a *Agent) ActivateTrade(ctx context.Context, def TradeDefinition) (string, error) {
	tradeID, err := a.manager.Activate(ctx, def)
	if err != nil {
		return "", err
	}
	if err := a.watch(ctx, def.Symbol); err != nil {
		a.logger.Error(ctx, err, "Failed to subscribe symbol for new trade", map[string]interface{}{"symbol": def.Symbol, "tradeID": tradeID})
	}
	return tradeID, nil
}

// ModifyTrade updates the rules of an active trade.
func (a *Agent) ModifyTrade(ctx context.Context, tradeID string, def TradeDefinition) error {
	return a.manager.Modify(ctx, tradeID, def)
}

// CancelTrade cancels every open order of the trade.
func (a *Agent) CancelTrade(ctx context.Context, tradeID string) error {
	return a.manager.Cancel(ctx, tradeID)
}

// Trade returns the read-only projection with the derived active stop.
func (a *Agent) Trade(ctx context.Context, tradeID string) (domain.TradeView, error) {
	return a.manager.GetTrade(ctx, tradeID)
}

// watch subscribes the symbol's tick stream into the handler queue once.
func (a *Agent) watch(ctx context.Context, symbol string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subscribed[symbol] {
		return nil
	}
	if err := a.feed.Subscribe(ctx, symbol, a.handler.Enqueue); err != nil {
		return err
	}
	a.subscribed[symbol] = true
	return nil
}
