package domain

import "time"

// Trade is the aggregate root: one entry order plus at most one stop-loss,
// trailing-stop and take-profit child. Status is always derived from the
// orders, never stored independently.
type Trade struct {
	ID             string
	Symbol         string
	Direction      Direction
	Quantity       float64 // Intended size
	FilledQuantity float64 // Broker-confirmed size; drives all downstream sizing
	EntryOrder     *Order
	ChildOrders    []*Order
	Volatility     *Volatility // Preloaded once per session, nil until loaded
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Volatility holds the session's preloaded range statistics for the symbol.
type Volatility struct {
	ADR float64 // Average daily range, percent
	ATR float64 // Average true range, percent
}

// ActiveStop is the currently binding exit stop, recomputed from live child
// orders on every tick. It is derived state and is never persisted.
type ActiveStop struct {
	Type  OrderKind // initial_stop or trailing_stop
	Price float64
}

// Child returns the child order of the given kind, or nil.
func (t *Trade) Child(kind OrderKind) *Order {
	for _, o := range t.ChildOrders {
		if o.Kind == kind {
			return o
		}
	}
	return nil
}

// Orders returns the entry order followed by all children.
func (t *Trade) Orders() []*Order {
	orders := make([]*Order, 0, len(t.ChildOrders)+1)
	if t.EntryOrder != nil {
		orders = append(orders, t.EntryOrder)
	}
	return append(orders, t.ChildOrders...)
}

// OrderByID looks up any order belonging to the trade.
func (t *Trade) OrderByID(id string) *Order {
	for _, o := range t.Orders() {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// Status derives the trade status from its orders.
//
//	-         entry is Draft/Working/Inactive (or rejected before ever filling)
//	Pending   entry submitted, awaiting broker confirmation
//	Filled    entry confirmed; position carries market risk
//	Closed    entry filled, a closing child filled, all other children terminal
//	Cancelled entry never filled and every order is terminal
func (t *Trade) Status() TradeStatus {
	if t.EntryOrder == nil {
		return TradeBlank
	}
	switch t.EntryOrder.Status {
	case OrderEntrySubmitted:
		return TradePending
	case OrderFilled:
		if t.exitsResolved() {
			return TradeClosed
		}
		return TradeFilled
	case OrderCancelled, OrderRejected:
		if t.allChildrenTerminal() {
			return TradeCancelled
		}
		return TradeBlank
	default:
		return TradeBlank
	}
}

// exitsResolved reports whether the filled position carries no further market
// risk: some child order filled the exit and every sibling reached a terminal
// state.
func (t *Trade) exitsResolved() bool {
	if len(t.ChildOrders) == 0 {
		return false
	}
	exitFilled := false
	for _, o := range t.ChildOrders {
		if !o.Status.IsTerminal() {
			return false
		}
		if o.Status == OrderFilled {
			exitFilled = true
		}
	}
	return exitFilled
}

func (t *Trade) allChildrenTerminal() bool {
	for _, o := range t.ChildOrders {
		if !o.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ComputeActiveStop selects the binding stop among currently working stop
// children: the tighter of the initial and trailing stops. That is the higher
// of the two for a long trade and the lower for a short. Returns nil while no
// stop is working.
func (t *Trade) ComputeActiveStop() *ActiveStop {
	var active *ActiveStop
	for _, kind := range []OrderKind{KindInitialStop, KindTrailingStop} {
		o := t.Child(kind)
		if o == nil || o.Status != OrderWorking {
			continue
		}
		price, ok := o.StopPrice()
		if !ok {
			continue
		}
		if active == nil {
			active = &ActiveStop{Type: kind, Price: price}
			continue
		}
		if t.Direction == Long && price > active.Price {
			active = &ActiveStop{Type: kind, Price: price}
		} else if t.Direction == Short && price < active.Price {
			active = &ActiveStop{Type: kind, Price: price}
		}
	}
	return active
}

// TradeView is the read-only projection handed to the surrounding
// application. It carries derived state the store never sees.
type TradeView struct {
	ID             string
	Symbol         string
	Direction      Direction
	Status         TradeStatus
	Quantity       float64
	FilledQuantity float64
	EntryStatus    OrderStatus
	ActiveStop     *ActiveStop
	Volatility     *Volatility
	Orders         []OrderView
	UpdatedAt      time.Time
}

// OrderView is the read-only projection of a single order.
type OrderView struct {
	ID            string
	Kind          OrderKind
	Status        OrderStatus
	Side          OrderSide
	OCAGroup      string
	RequestedQty  float64
	FilledQty     float64
	FillPrice     float64
	BrokerOrderID string
}

// View builds the projection for the trade's current state.
func (t *Trade) View() TradeView {
	v := TradeView{
		ID:             t.ID,
		Symbol:         t.Symbol,
		Direction:      t.Direction,
		Status:         t.Status(),
		Quantity:       t.Quantity,
		FilledQuantity: t.FilledQuantity,
		ActiveStop:     t.ComputeActiveStop(),
		Volatility:     t.Volatility,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.EntryOrder != nil {
		v.EntryStatus = t.EntryOrder.Status
	}
	for _, o := range t.Orders() {
		v.Orders = append(v.Orders, OrderView{
			ID:            o.ID,
			Kind:          o.Kind,
			Status:        o.Status,
			Side:          o.Side,
			OCAGroup:      o.OCAGroup,
			RequestedQty:  o.RequestedQty,
			FilledQty:     o.FilledQty,
			FillPrice:     o.FillPrice,
			BrokerOrderID: o.BrokerOrderID,
		})
	}
	return v
}
