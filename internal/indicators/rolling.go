package indicators

// RollingWindow keeps the most recent capacity prices for a symbol. Not safe
// for concurrent use; each window is owned by the tick handler goroutine.
type RollingWindow struct {
	capacity int
	prices   []float64
}

// NewRollingWindow creates a window holding up to capacity prices.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity <= 0 {
		capacity = 20
	}
	return &RollingWindow{capacity: capacity, prices: make([]float64, 0, capacity)}
}

// Append adds a price, evicting the oldest once the window is full.
func (w *RollingWindow) Append(price float64) {
	w.prices = append(w.prices, price)
	if len(w.prices) > w.capacity {
		w.prices = w.prices[len(w.prices)-w.capacity:]
	}
}

// Len returns the number of prices currently held.
func (w *RollingWindow) Len() int { return len(w.prices) }

// Window returns a copy of the held prices, oldest first.
func (w *RollingWindow) Window() []float64 {
	out := make([]float64, len(w.prices))
	copy(out, w.prices)
	return out
}
