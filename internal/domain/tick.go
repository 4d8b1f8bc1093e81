package domain

import "time"

// Tick is a single live price observation for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Snapshot is the market state handed to evaluators on each tick: the latest
// price plus a rolling window of recent prices for indicator-driven stops.
type Snapshot struct {
	Symbol string
	Price  float64
	Time   time.Time
	Window []float64 // Oldest first; may be shorter than any rule's lookback
}

// Bar is a single historical candlestick, used only for the once-per-session
// volatility preload. Bars never enter the tick path.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
