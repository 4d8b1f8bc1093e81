package domain

// Direction indicates whether a trade profits from rising or falling prices.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntrySide returns the side that opens a position in this direction.
func (d Direction) EntrySide() OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide returns the side that flattens a position in this direction.
func (d Direction) ExitSide() OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

// OrderKind identifies the role an order plays within its trade.
type OrderKind string

const (
	KindEntry        OrderKind = "entry"
	KindInitialStop  OrderKind = "initial_stop"
	KindTrailingStop OrderKind = "trailing_stop"
	KindTakeProfit   OrderKind = "take_profit"
)

// IsExit reports whether the kind is a contingent exit order.
func (k OrderKind) IsExit() bool {
	return k == KindInitialStop || k == KindTrailingStop || k == KindTakeProfit
}

// CompareOp is the comparison operator of a rule condition.
type CompareOp string

const (
	GTE CompareOp = ">="
	LTE CompareOp = "<="
)

// IndicatorKind selects the moving calculation behind a trailing-stop rule.
type IndicatorKind string

const (
	IndicatorEMA IndicatorKind = "ema"
	IndicatorSMA IndicatorKind = "sma"
	IndicatorATR IndicatorKind = "atr"
)
