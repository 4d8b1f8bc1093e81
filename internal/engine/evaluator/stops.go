package evaluator

import (
	"fmt"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/indicators"
)

// StopTriggered reports whether the given stop level has been hit: a long
// position exits at or below its stop, a short at or above.
func StopTriggered(direction domain.Direction, stopPrice, price float64) bool {
	if direction == domain.Short {
		return price >= stopPrice
	}
	return price <= stopPrice
}

// TakeProfit reports whether the profit target has been reached: a long
// position exits at or above the target, a short at or below.
func TakeProfit(rule domain.TakeProfitRule, direction domain.Direction, snap domain.Snapshot) bool {
	if direction == domain.Short {
		return snap.Price <= rule.Price
	}
	return snap.Price >= rule.Price
}

// TrailingStop recomputes the trailing stop level from the snapshot's rolling
// window and ratchets it against the current level: a long stop only ever
// moves up, a short stop only down. Returns the (possibly unchanged) level.
// An insufficient window is not an error; the current level stands.
func TrailingStop(rule domain.TrailingStopRule, direction domain.Direction, current float64, snap domain.Snapshot) (float64, error) {
	lookback := rule.Lookback
	if lookback <= 0 {
		lookback = 20
	}
	if len(snap.Window) < lookback {
		return current, nil
	}

	var level float64
	switch rule.Indicator {
	case domain.IndicatorEMA:
		ema, err := indicators.EMA(snap.Window, lookback)
		if err != nil {
			return current, fmt.Errorf("trailing stop EMA failed: %w", err)
		}
		level = offsetLevel(ema, rule.Offset, direction)
	case domain.IndicatorSMA:
		sma, err := indicators.SMA(snap.Window, lookback)
		if err != nil {
			return current, fmt.Errorf("trailing stop SMA failed: %w", err)
		}
		level = offsetLevel(sma, rule.Offset, direction)
	case domain.IndicatorATR:
		if len(snap.Window) < lookback+1 {
			return current, nil
		}
		atr, err := indicators.TickATR(snap.Window, lookback)
		if err != nil {
			return current, fmt.Errorf("trailing stop ATR failed: %w", err)
		}
		mult := rule.Multiplier
		if mult <= 0 {
			mult = 2.0
		}
		level = offsetLevel(snap.Price, atr*mult, direction)
	default:
		return current, fmt.Errorf("unsupported trailing stop indicator %q", rule.Indicator)
	}

	// Ratchet: never loosen the stop.
	if current != 0 {
		if direction == domain.Long && level <= current {
			return current, nil
		}
		if direction == domain.Short && level >= current {
			return current, nil
		}
	}
	return level, nil
}

// offsetLevel applies the rule offset on the protective side of the base
// level: below it for longs, above it for shorts.
func offsetLevel(base, offset float64, direction domain.Direction) float64 {
	if direction == domain.Short {
		return base + offset
	}
	return base - offset
}
