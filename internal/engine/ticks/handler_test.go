package ticks

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

type noopLogger struct{}

func (noopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (noopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (noopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type recorder struct {
	mu      sync.Mutex
	ticks   []domain.Tick
	windows [][]float64
}

func (r *recorder) consume(_ context.Context, tick domain.Tick, window []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, tick)
	r.windows = append(r.windows, append([]float64(nil), window...))
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func tick(symbol string, price float64, sec int64) domain.Tick {
	return domain.Tick{Symbol: symbol, Price: price, Time: at(sec)}
}

func TestProcessDropsBadTicks(t *testing.T) {
	tests := []struct {
		name string
		tick domain.Tick
	}{
		{"missing symbol", tick("", 100, 1)},
		{"nan price", tick("ABC", math.NaN(), 1)},
		{"infinite price", tick("ABC", math.Inf(1), 1)},
		{"zero price", tick("ABC", 0, 1)},
		{"negative price", tick("ABC", -5, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			h := NewHandler(noopLogger{}, rec.consume, 0, 10)
			h.process(context.Background(), tt.tick)
			assert.Zero(t, rec.count())
		})
	}
}

func TestProcessDropsOutOfOrderPerSymbol(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(noopLogger{}, rec.consume, 0, 10)
	ctx := context.Background()

	h.process(ctx, tick("ABC", 100, 10))
	h.process(ctx, tick("ABC", 101, 5)) // stale, dropped
	h.process(ctx, tick("ABC", 102, 10)) // equal timestamp is fine
	h.process(ctx, tick("XYZ", 50, 5))  // other symbols keep their own clock

	require.Equal(t, 3, rec.count())
	assert.Equal(t, 100.0, rec.ticks[0].Price)
	assert.Equal(t, 102.0, rec.ticks[1].Price)
	assert.Equal(t, "XYZ", rec.ticks[2].Symbol)
}

func TestProcessMaintainsRollingWindow(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(noopLogger{}, rec.consume, 0, 3)
	ctx := context.Background()

	for i, price := range []float64{10, 11, 12, 13, 14} {
		h.process(ctx, tick("ABC", price, int64(i)))
	}

	require.Equal(t, 5, rec.count())
	assert.Equal(t, []float64{10}, rec.windows[0])
	assert.Equal(t, []float64{12, 13, 14}, rec.windows[4])
	assert.Equal(t, []float64{12, 13, 14}, h.Window("ABC"))
	assert.Nil(t, h.Window("XYZ"))
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(noopLogger{}, rec.consume, 2, 10)

	h.Enqueue(tick("ABC", 1, 1))
	h.Enqueue(tick("ABC", 2, 2))
	h.Enqueue(tick("ABC", 3, 3)) // evicts the oldest

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2.0, rec.ticks[0].Price)
	assert.Equal(t, 3.0, rec.ticks[1].Price)
}
