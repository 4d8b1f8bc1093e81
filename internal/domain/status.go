package domain

// OrderStatus is the lifecycle state of a single order. Orders stay virtual
// (known only to the engine) until one of the Submitted states is reached.
type OrderStatus string

const (
	OrderDraft               OrderStatus = "Draft"
	OrderWorking             OrderStatus = "Working"
	OrderInactive            OrderStatus = "Inactive"
	OrderEntrySubmitted      OrderStatus = "EntryOrderSubmitted"
	OrderContingentSubmitted OrderStatus = "ContingentOrderSubmitted"
	OrderContingentWorking   OrderStatus = "ContingentOrderWorking"
	OrderFilled              OrderStatus = "Filled"
	OrderCancelled           OrderStatus = "Cancelled"
	OrderRejected            OrderStatus = "Rejected"
)

// IsTerminal reports whether no further transitions are allowed from s.
// Inactive is not terminal: a user modify can re-arm the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// IsVirtual reports whether the order has never been shown to the broker.
// An order in a virtual status must carry an empty BrokerOrderID.
func (s OrderStatus) IsVirtual() bool {
	switch s {
	case OrderDraft, OrderWorking, OrderInactive:
		return true
	}
	return false
}

// Submitted reports whether the status implies a broker submission exists
// (or at least was intended). Recovery reconciles these against the broker.
func (s OrderStatus) Submitted() bool {
	switch s {
	case OrderEntrySubmitted, OrderContingentSubmitted, OrderContingentWorking:
		return true
	}
	return false
}

// TradeStatus is derived from the statuses of a trade's orders; it is never
// set independently.
type TradeStatus string

const (
	TradeBlank     TradeStatus = "-"
	TradePending   TradeStatus = "Pending"
	TradeFilled    TradeStatus = "Filled"
	TradeClosed    TradeStatus = "Closed"
	TradeCancelled TradeStatus = "Cancelled"
)

// IsTerminal reports whether the trade is finished and must never re-enter
// evaluation.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeClosed || s == TradeCancelled
}
