package engine

import (
	"context"
	"fmt"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/indicators"
	"github.com/BenFisher1984/web-execution-agent/internal/metrics"
)

// Recover reloads every persisted trade and reconciles unconfirmed
// submissions against the broker's live blotter. An order persisted as
// submitted but missing from the blotter was lost between the durable write
// and the broker acknowledgement; it is marked Rejected and flagged for
// manual review rather than silently retried.
func (m *Manager) Recover(ctx context.Context) error {
	op := "Recover"
	trades, err := m.repo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to load trades: %w", op, err)
	}
	if len(trades) == 0 {
		m.logger.Info(ctx, op+": No persisted trades", nil)
		return nil
	}

	openOrders, err := m.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to read open-order blotter: %w", op, err)
	}
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to read position blotter: %w", op, err)
	}

	known := make(map[string]bool, len(openOrders))
	for _, oo := range openOrders {
		if oo.BrokerOrderID != "" {
			known[oo.BrokerOrderID] = true
		}
		if oo.ClientOrderID != "" {
			known[oo.ClientOrderID] = true
		}
	}
	held := make(map[string]float64, len(positions))
	for _, p := range positions {
		held[p.Symbol] = p.Quantity
	}

	var reloaded, reconciled int
	for _, trade := range trades {
		mt := &managedTrade{trade: trade}
		if trade.Status().IsTerminal() {
			m.registry.Add(mt)
			continue
		}

		changed := false
		for _, o := range trade.Orders() {
			if !o.Status.Submitted() {
				continue
			}
			if known[o.BrokerOrderID] || known[o.ClientOrderID] {
				m.registry.MapClientOrder(o.ClientOrderID, mt)
				continue
			}
			// Market submissions execute at once, so a missing entry with a
			// live position on the symbol means the fill event was lost.
			if o.Kind == domain.KindEntry && held[trade.Symbol] != 0 {
				m.logger.Error(ctx, fmt.Errorf("fill event lost"), op+": MANUAL REVIEW REQUIRED: position exists for unconfirmed entry", map[string]interface{}{
					"tradeID": trade.ID, "symbol": trade.Symbol, "position": held[trade.Symbol],
				})
			}
			if err := applyTransition(trade, o, domain.OrderRejected); err != nil {
				m.logger.Error(ctx, err, op+": Failed to mark unconfirmed order rejected", map[string]interface{}{"tradeID": trade.ID, "orderID": o.ID})
				continue
			}
			changed = true
			reconciled++
			m.logger.Warn(ctx, op+": MANUAL REVIEW REQUIRED: unconfirmed submission marked rejected", map[string]interface{}{
				"tradeID": trade.ID, "orderID": o.ID, "kind": o.Kind,
			})
		}

		if changed {
			if err := m.persistOrHalt(ctx, mt); err != nil {
				m.logger.Error(ctx, err, op+": Failed to persist reconciled trade", map[string]interface{}{"tradeID": trade.ID})
			}
		}
		m.registry.Add(mt)
		reloaded++
	}

	metrics.SetActiveTrades(m.registry.ActiveCount())
	m.logger.Info(ctx, op+": Recovery complete", map[string]interface{}{
		"trades":     len(trades),
		"active":     reloaded,
		"reconciled": reconciled,
	})
	return nil
}

// PreloadVolatility fetches daily history for every tracked symbol and
// stamps ADR/ATR onto its trades. Failures are logged per symbol and never
// block startup; the affected rules degrade gracefully.
func (m *Manager) PreloadVolatility(ctx context.Context) {
	op := "PreloadVolatility"
	for _, symbol := range m.registry.Symbols() {
		bars, err := m.broker.GetHistoricalBars(ctx, symbol, m.volLookback)
		if err != nil {
			m.logger.Warn(ctx, op+": Failed to fetch history", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			continue
		}
		vol, err := computeVolatility(bars, m.volLookback)
		if err != nil {
			m.logger.Warn(ctx, op+": Failed to compute volatility", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			continue
		}
		for _, mt := range m.registry.BySymbol(symbol) {
			mt.mu.Lock()
			mt.trade.Volatility = vol
			mt.mu.Unlock()
		}
		m.logger.Info(ctx, op+": Volatility loaded", map[string]interface{}{
			"symbol": symbol, "adr": vol.ADR, "atr": vol.ATR, "bars": len(bars),
		})
	}
}

func computeVolatility(bars []domain.Bar, lookback int) (*domain.Volatility, error) {
	adr, err := indicators.ADR(bars, lookback)
	if err != nil {
		return nil, err
	}
	atr, err := indicators.ATR(bars, lookback)
	if err != nil {
		return nil, err
	}
	return &domain.Volatility{ADR: adr, ATR: atr}, nil
}
