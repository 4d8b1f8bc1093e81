package indicators

import (
	"fmt"
	"math"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// SMA computes the simple moving average over the last period prices.
func SMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("SMA period must be positive, got %d", period)
	}
	if len(prices) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate SMA for period %d", len(prices), period)
	}
	total := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		total += prices[i]
	}
	return total / float64(period), nil
}

// EMA computes the exponential moving average, seeded with the SMA of the
// first period prices.
func EMA(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("EMA period must be positive, got %d", period)
	}
	if len(prices) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate EMA for period %d", len(prices), period)
	}
	ema, err := SMA(prices[:period], period)
	if err != nil {
		return 0, fmt.Errorf("failed to seed EMA: %w", err)
	}
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}
	return ema, nil
}

// TickATR approximates the average true range from a window of tick prices,
// using absolute tick-to-tick moves. Used for ATR-style trailing stops where
// only the live price window is available.
func TickATR(prices []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("ATR period must be positive, got %d", period)
	}
	if len(prices) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(prices))
	}
	moves := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		moves = append(moves, math.Abs(prices[i]-prices[i-1]))
	}
	sum := 0.0
	for _, m := range moves[len(moves)-period:] {
		sum += m
	}
	return sum / float64(period), nil
}

// ADR computes the average daily range over the last lookback bars, as a
// percentage of close.
func ADR(bars []domain.Bar, lookback int) (float64, error) {
	if lookback <= 0 {
		return 0, fmt.Errorf("ADR lookback must be positive, got %d", lookback)
	}
	if len(bars) < lookback {
		return 0, fmt.Errorf("not enough bars for ADR: %d available, %d required", len(bars), lookback)
	}
	sum := 0.0
	for _, b := range bars[len(bars)-lookback:] {
		if b.Close == 0 {
			return 0, fmt.Errorf("bar with zero close at %s", b.Time)
		}
		sum += (b.High - b.Low) / b.Close
	}
	return sum / float64(lookback) * 100, nil
}

// ATR computes the average true range over the last lookback bars, as a
// percentage of close (Wilder's true range, simple average).
func ATR(bars []domain.Bar, lookback int) (float64, error) {
	if lookback <= 0 {
		return 0, fmt.Errorf("ATR lookback must be positive, got %d", lookback)
	}
	if len(bars) < lookback+1 {
		return 0, fmt.Errorf("not enough bars for ATR: %d available, %d required", len(bars), lookback+1)
	}
	sum := 0.0
	for i := len(bars) - lookback; i < len(bars); i++ {
		high, low, prevClose := bars[i].High, bars[i].Low, bars[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		if bars[i].Close == 0 {
			return 0, fmt.Errorf("bar with zero close at %s", bars[i].Time)
		}
		sum += tr / bars[i].Close
	}
	return sum / float64(lookback) * 100, nil
}
