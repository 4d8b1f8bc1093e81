// Package ticks decouples market-data arrival from trade evaluation. Ticks
// land in a bounded queue; a single worker drains it, maintains per-symbol
// rolling price windows and hands each sane tick to the consumer. When the
// queue is full the freshest data wins and the oldest tick is dropped.
package ticks

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/indicators"
	"github.com/BenFisher1984/web-execution-agent/internal/metrics"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

const defaultQueueSize = 1024

// Consumer receives each accepted tick together with the symbol's rolling
// price window.
type Consumer func(ctx context.Context, tick domain.Tick, window []float64)

// Handler is the tick ingress pipeline.
type Handler struct {
	logger   ports.Logger
	consumer Consumer
	queue    chan domain.Tick

	mu       sync.Mutex
	windows  map[string]*indicators.RollingWindow
	lastSeen map[string]time.Time

	windowSize int
}

// NewHandler creates a handler with the given queue capacity and rolling
// window size; zero values take defaults.
func NewHandler(logger ports.Logger, consumer Consumer, queueSize, windowSize int) *Handler {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Handler{
		logger:     logger,
		consumer:   consumer,
		queue:      make(chan domain.Tick, queueSize),
		windows:    make(map[string]*indicators.RollingWindow),
		lastSeen:   make(map[string]time.Time),
		windowSize: windowSize,
	}
}

// Enqueue accepts a tick from the market-data adapter. It never blocks the
// caller: on overflow the oldest queued tick is discarded.
func (h *Handler) Enqueue(tick domain.Tick) {
	for {
		select {
		case h.queue <- tick:
			return
		default:
		}
		select {
		case <-h.queue:
			metrics.IncTickDropped("overflow")
		default:
		}
	}
}

// Run drains the queue until the context is cancelled. Call it from its own
// goroutine.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-h.queue:
			h.process(ctx, tick)
		}
	}
}

func (h *Handler) process(ctx context.Context, tick domain.Tick) {
	if reason := h.vet(tick); reason != "" {
		metrics.IncTickDropped(reason)
		h.logger.Debug(ctx, "Tick dropped", map[string]interface{}{
			"symbol": tick.Symbol, "price": tick.Price, "reason": reason,
		})
		return
	}
	window := h.appendWindow(tick)
	metrics.IncTickProcessed()
	h.consumer(ctx, tick, window)
}

// vet returns a non-empty drop reason for ticks that must never reach
// evaluation.
func (h *Handler) vet(tick domain.Tick) string {
	if tick.Symbol == "" {
		return "no_symbol"
	}
	if math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		return "nan_price"
	}
	if tick.Price <= 0 {
		return "non_positive_price"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.lastSeen[tick.Symbol]; ok && tick.Time.Before(last) {
		return "out_of_order"
	}
	h.lastSeen[tick.Symbol] = tick.Time
	return ""
}

func (h *Handler) appendWindow(tick domain.Tick) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[tick.Symbol]
	if !ok {
		w = indicators.NewRollingWindow(h.windowSize)
		h.windows[tick.Symbol] = w
	}
	w.Append(tick.Price)
	return w.Window()
}

// Window exposes the current rolling window for a symbol, mainly for
// diagnostics.
func (h *Handler) Window(symbol string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.windows[symbol]; ok {
		return w.Window()
	}
	return nil
}
