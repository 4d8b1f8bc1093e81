package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

func TestSMA(t *testing.T) {
	got, err := SMA([]float64{1, 2, 3, 4, 5}, 5)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9)

	// Only the last period prices count.
	got, err = SMA([]float64{100, 100, 1, 2, 3}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-9)

	_, err = SMA([]float64{1, 2}, 3)
	assert.Error(t, err)

	_, err = SMA([]float64{1, 2, 3}, 0)
	assert.Error(t, err)
}

func TestEMA(t *testing.T) {
	// With exactly period prices the EMA collapses to the SMA seed.
	got, err := EMA([]float64{2, 4, 6}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, got, 1e-9)

	// Seed SMA(1,2,3)=2, multiplier 0.5: (10-2)*0.5+2 = 6.
	got, err = EMA([]float64{1, 2, 3, 10}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, got, 1e-9)

	_, err = EMA([]float64{1, 2}, 3)
	assert.Error(t, err)
}

func TestEMATracksRecentPricesCloserThanSMA(t *testing.T) {
	prices := []float64{10, 10, 10, 10, 10, 20, 20, 20, 20, 20}
	ema, err := EMA(prices, 5)
	require.NoError(t, err)
	sma, err := SMA(prices, 5)
	require.NoError(t, err)
	assert.Greater(t, ema, 15.0)
	assert.InDelta(t, 20.0, sma, 1e-9)
}

func TestTickATR(t *testing.T) {
	// Moves of 1 each: ATR 1.
	got, err := TickATR([]float64{100, 101, 102, 103}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	// Direction does not matter, only magnitude.
	got, err = TickATR([]float64{100, 98, 100, 98}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-9)

	_, err = TickATR([]float64{100, 101, 102}, 3)
	assert.Error(t, err)
}

func bar(high, low, close float64) domain.Bar {
	return domain.Bar{Time: time.Unix(0, 0), Open: close, High: high, Low: low, Close: close}
}

func TestADR(t *testing.T) {
	bars := []domain.Bar{
		bar(102, 98, 100), // range 4% of close
		bar(103, 101, 100), // range 2%
	}
	got, err := ADR(bars, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, got, 1e-9)

	_, err = ADR(bars, 3)
	assert.Error(t, err)

	_, err = ADR([]domain.Bar{bar(102, 98, 0)}, 1)
	assert.Error(t, err)
}

func TestATR(t *testing.T) {
	// Gap up: true range uses the previous close, not just high-low.
	bars := []domain.Bar{
		bar(101, 99, 100),
		bar(106, 105, 106), // TR = max(1, 6, 5) = 6, 6/106*100
	}
	got, err := ATR(bars, 1)
	require.NoError(t, err)
	assert.InDelta(t, 6.0/106.0*100, got, 1e-9)

	_, err = ATR(bars, 2)
	assert.Error(t, err)
}

func TestRollingWindow(t *testing.T) {
	w := NewRollingWindow(3)
	assert.Zero(t, w.Len())
	assert.Empty(t, w.Window())

	for _, p := range []float64{1, 2, 3, 4} {
		w.Append(p)
	}
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{2, 3, 4}, w.Window())

	// Window returns a copy; mutating it must not leak back.
	got := w.Window()
	got[0] = 99
	assert.Equal(t, []float64{2, 3, 4}, w.Window())
}
