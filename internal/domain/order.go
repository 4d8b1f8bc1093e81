package domain

import "time"

// Order is a single entry or contingent exit order. Orders are virtual until
// their own trigger fires; the broker only ever sees an immediate-execution
// command built from one of these.
type Order struct {
	ID            string      // Engine-assigned id (ULID, time-sortable)
	ParentID      string      // Entry order id for children, empty for the entry itself
	OCAGroup      string      // Shared among sibling exits; empty until children are armed
	Kind          OrderKind   // entry | initial_stop | trailing_stop | take_profit
	Status        OrderStatus // Mutated only through validated transitions
	Side          OrderSide   // BUY or SELL
	Rule          Rule        // Defining trigger condition
	RequestedQty  float64     // Quantity the trader asked for
	FilledQty     float64     // Broker-confirmed quantity (may differ on partial fill)
	FillPrice     float64     // Broker-confirmed average fill price
	BrokerOrderID string      // Empty until the order crosses the broker boundary
	ClientOrderID string      // Idempotency token sent with the broker command
	TrailPrice    float64     // Current trailing stop level (trailing_stop only, ratchets)
	UpdatedAt     time.Time
}

// IsVirtual reports whether the order has never been transmitted to the
// broker. Invariant: virtual orders carry no BrokerOrderID.
func (o *Order) IsVirtual() bool {
	return o.Status.IsVirtual()
}

// StopPrice returns the currently binding stop level for stop-kind orders.
// For a trailing stop this is the ratcheted trail price once established,
// otherwise the static rule price. Returns false when the order carries no
// stop semantics.
func (o *Order) StopPrice() (float64, bool) {
	switch o.Kind {
	case KindInitialStop:
		if r, ok := o.Rule.(InitialStopRule); ok {
			return r.Price, true
		}
	case KindTrailingStop:
		if o.TrailPrice != 0 {
			return o.TrailPrice, true
		}
	}
	return 0, false
}
