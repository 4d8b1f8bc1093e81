package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/engine/evaluator"
	"github.com/BenFisher1984/web-execution-agent/internal/metrics"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
	"github.com/BenFisher1984/web-execution-agent/pkg/id"
)

// Manager orchestrates the trade lifecycle: it owns the trade registry,
// drives evaluation on each tick, applies validated transitions, computes the
// derived active stop, coordinates OCA cancellation and calls the Executor.
//
// Ordering invariant: state is persisted before the corresponding broker call
// is issued, so any reader always sees the engine's intent. The tick path
// never blocks on broker I/O; submissions run in their own goroutine.
type Manager struct {
	logger   ports.Logger
	repo     ports.TradeRepository
	executor *Executor
	broker   ports.BrokerAdapter // read-only blotter access for recovery/preload
	registry *Registry
	limits   evaluator.PortfolioLimits

	volLookback int
}

// ManagerConfig carries the Manager's dependencies.
type ManagerConfig struct {
	Logger      ports.Logger
	Repo        ports.TradeRepository
	Executor    *Executor
	Broker      ports.BrokerAdapter
	Registry    *Registry
	Limits      evaluator.PortfolioLimits
	VolLookback int // Days of history for the volatility preload
}

// NewManager creates a manager and attaches it to the executor's fill stream.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Logger == nil || cfg.Repo == nil || cfg.Executor == nil || cfg.Broker == nil {
		return nil, fmt.Errorf("missing required dependencies for Manager")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.VolLookback <= 0 {
		cfg.VolLookback = 20
	}
	m := &Manager{
		logger:      cfg.Logger,
		repo:        cfg.Repo,
		executor:    cfg.Executor,
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		limits:      cfg.Limits,
		volLookback: cfg.VolLookback,
	}
	cfg.Executor.SetHandler(m)
	return m, nil
}

// TradeDefinition is the user-supplied description of a position to execute
// unattended. Only the entry rule is mandatory; each exit rule is optional
// but at most one of each kind may be configured.
type TradeDefinition struct {
	Symbol       string
	Direction    domain.Direction
	Quantity     float64
	Entry        domain.EntryRule
	InitialStop  *domain.InitialStopRule
	TrailingStop *domain.TrailingStopRule
	TakeProfit   *domain.TakeProfitRule
}

// Activate validates a trade definition and, if accepted, persists it and
// enters it into evaluation. Returns the new trade id, or a *ValidationError
// listing every reason the definition was refused.
func (m *Manager) Activate(ctx context.Context, def TradeDefinition) (string, error) {
	op := "Activate"
	reasons := validateDefinition(def)

	trade := buildTrade(def)
	reasons = append(reasons, evaluator.Portfolio(m.limits, trade, def.Entry.Price, m.registry.ActiveCount())...)
	if len(reasons) > 0 {
		m.logger.Warn(ctx, op+": Trade definition refused", map[string]interface{}{"symbol": def.Symbol, "reasons": reasons})
		return "", &ValidationError{Reasons: reasons}
	}

	mt := &managedTrade{trade: trade}
	if err := m.persistOrHalt(ctx, mt); err != nil {
		return "", err
	}
	m.registry.Add(mt)
	metrics.SetActiveTrades(m.registry.ActiveCount())

	m.logger.Info(ctx, op+": Trade activated", map[string]interface{}{
		"tradeID":   trade.ID,
		"symbol":    trade.Symbol,
		"direction": trade.Direction,
		"quantity":  trade.Quantity,
	})
	return trade.ID, nil
}

// validateDefinition performs field-level validation before the definition
// can touch the state machine.
func validateDefinition(def TradeDefinition) []string {
	var reasons []string
	if def.Symbol == "" {
		reasons = append(reasons, "symbol must be set")
	}
	if def.Direction != domain.Long && def.Direction != domain.Short {
		reasons = append(reasons, fmt.Sprintf("direction must be long or short, got %q", def.Direction))
	}
	if def.Quantity <= 0 {
		reasons = append(reasons, "quantity must be positive")
	}
	if def.Entry.Price <= 0 {
		reasons = append(reasons, "entry trigger price must be positive")
	}
	if def.InitialStop != nil {
		if def.InitialStop.Price <= 0 {
			reasons = append(reasons, "initial stop price must be positive")
		} else if def.Direction == domain.Long && def.InitialStop.Price >= def.Entry.Price {
			reasons = append(reasons, "initial stop must be below the entry trigger for a long trade")
		} else if def.Direction == domain.Short && def.InitialStop.Price <= def.Entry.Price {
			reasons = append(reasons, "initial stop must be above the entry trigger for a short trade")
		}
	}
	if def.TakeProfit != nil {
		if def.TakeProfit.Price <= 0 {
			reasons = append(reasons, "take profit price must be positive")
		} else if def.Direction == domain.Long && def.TakeProfit.Price <= def.Entry.Price {
			reasons = append(reasons, "take profit must be above the entry trigger for a long trade")
		} else if def.Direction == domain.Short && def.TakeProfit.Price >= def.Entry.Price {
			reasons = append(reasons, "take profit must be below the entry trigger for a short trade")
		}
	}
	if def.TrailingStop != nil {
		switch def.TrailingStop.Indicator {
		case domain.IndicatorEMA, domain.IndicatorSMA, domain.IndicatorATR:
		default:
			reasons = append(reasons, fmt.Sprintf("unsupported trailing stop indicator %q", def.TrailingStop.Indicator))
		}
	}
	return reasons
}

// buildTrade constructs the aggregate: entry order Working, children Draft
// until the entry fills.
func buildTrade(def TradeDefinition) *domain.Trade {
	now := time.Now().UTC()
	entry := &domain.Order{
		ID:           id.New(),
		Kind:         domain.KindEntry,
		Status:       domain.OrderWorking,
		Side:         def.Direction.EntrySide(),
		Rule:         def.Entry,
		RequestedQty: def.Quantity,
		UpdatedAt:    now,
	}
	trade := &domain.Trade{
		ID:         id.New(),
		Symbol:     def.Symbol,
		Direction:  def.Direction,
		Quantity:   def.Quantity,
		EntryOrder: entry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	addChild := func(kind domain.OrderKind, rule domain.Rule) {
		trade.ChildOrders = append(trade.ChildOrders, &domain.Order{
			ID:           id.New(),
			ParentID:     entry.ID,
			Kind:         kind,
			Status:       domain.OrderDraft,
			Side:         def.Direction.ExitSide(),
			Rule:         rule,
			RequestedQty: def.Quantity,
			UpdatedAt:    now,
		})
	}
	if def.InitialStop != nil {
		addChild(domain.KindInitialStop, *def.InitialStop)
	}
	if def.TrailingStop != nil {
		addChild(domain.KindTrailingStop, *def.TrailingStop)
	}
	if def.TakeProfit != nil {
		addChild(domain.KindTakeProfit, *def.TakeProfit)
	}
	return trade
}

// GetTrade returns the read-only projection including the derived active
// stop.
func (m *Manager) GetTrade(ctx context.Context, tradeID string) (domain.TradeView, error) {
	if mt := m.registry.ByID(tradeID); mt != nil {
		mt.mu.Lock()
		defer mt.mu.Unlock()
		return mt.trade.View(), nil
	}
	trade, err := m.repo.FindByID(ctx, tradeID)
	if err != nil {
		return domain.TradeView{}, fmt.Errorf("failed to load trade %s: %w", tradeID, err)
	}
	if trade == nil {
		return domain.TradeView{}, fmt.Errorf("trade %s: %w", tradeID, ports.ErrNotFound)
	}
	return trade.View(), nil
}

// Modify updates the rules of a trade. Affected working orders pass through
// Inactive first, so any trigger evaluated against the old rule that arrives
// late can no longer be applied.
func (m *Manager) Modify(ctx context.Context, tradeID string, def TradeDefinition) error {
	op := "Modify"
	mt := m.registry.ByID(tradeID)
	if mt == nil {
		return fmt.Errorf("trade %s: %w", tradeID, ports.ErrNotFound)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	trade := mt.trade
	if status := trade.Status(); status.IsTerminal() {
		return fmt.Errorf("cannot modify trade %s in terminal status %s", tradeID, status)
	}
	if mt.halted {
		return fmt.Errorf("trade %s: %w", tradeID, ports.ErrPersistenceFailure)
	}

	swapRule := func(o *domain.Order, rule domain.Rule) error {
		switch o.Status {
		case domain.OrderDraft:
			// Never visible to evaluation yet; swap in place.
			o.Rule = rule
			return nil
		case domain.OrderWorking:
			if err := applyTransition(trade, o, domain.OrderInactive); err != nil {
				return err
			}
			o.Rule = rule
			if o.Kind == domain.KindTrailingStop {
				o.TrailPrice = 0 // re-established from the new rule on the next tick
			}
			return applyTransition(trade, o, domain.OrderWorking)
		default:
			return fmt.Errorf("order %s in status %s cannot be modified", o.ID, o.Status)
		}
	}

	if trade.EntryOrder.Status == domain.OrderWorking && def.Entry.Price > 0 {
		if err := swapRule(trade.EntryOrder, def.Entry); err != nil {
			return err
		}
	}
	if def.InitialStop != nil {
		if o := trade.Child(domain.KindInitialStop); o != nil {
			if err := swapRule(o, *def.InitialStop); err != nil {
				return err
			}
		}
	}
	if def.TrailingStop != nil {
		if o := trade.Child(domain.KindTrailingStop); o != nil {
			if err := swapRule(o, *def.TrailingStop); err != nil {
				return err
			}
		}
	}
	if def.TakeProfit != nil {
		if o := trade.Child(domain.KindTakeProfit); o != nil {
			if err := swapRule(o, *def.TakeProfit); err != nil {
				return err
			}
		}
	}

	if err := m.persistOrHalt(ctx, mt); err != nil {
		return err
	}
	m.logger.Info(ctx, op+": Trade modified", map[string]interface{}{"tradeID": tradeID})
	return nil
}

// Cancel cancels every non-terminal order of the trade: locally when the
// order was never transmitted, via the broker otherwise. User cancellation
// takes precedence over outstanding triggers.
func (m *Manager) Cancel(ctx context.Context, tradeID string) error {
	op := "Cancel"
	mt := m.registry.ByID(tradeID)
	if mt == nil {
		return fmt.Errorf("trade %s: %w", tradeID, ports.ErrNotFound)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	trade := mt.trade
	if status := trade.Status(); status.IsTerminal() {
		return fmt.Errorf("cannot cancel trade %s in terminal status %s", tradeID, status)
	}

	for _, o := range trade.Orders() {
		if o.Status.IsTerminal() {
			continue
		}
		if err := applyTransition(trade, o, domain.OrderCancelled); err != nil {
			return err
		}
		if o.BrokerOrderID != "" {
			brokerID, symbol := o.BrokerOrderID, trade.Symbol
			go func() {
				if err := m.executor.Cancel(ctx, symbol, brokerID); err != nil {
					m.logger.Error(ctx, err, op+": Broker cancel failed", map[string]interface{}{"tradeID": tradeID, "brokerOrderID": brokerID})
				}
			}()
		}
	}

	if err := m.persistOrHalt(ctx, mt); err != nil {
		return err
	}
	m.ejectIfTerminal(mt)
	m.logger.Info(ctx, op+": Trade cancelled", map[string]interface{}{"tradeID": tradeID})
	return nil
}

// OnTick evaluates every non-terminal trade on the symbol against the new
// price. A failure in one trade never aborts evaluation of the others.
func (m *Manager) OnTick(ctx context.Context, tick domain.Tick, window []float64) {
	snap := domain.Snapshot{Symbol: tick.Symbol, Price: tick.Price, Time: tick.Time, Window: window}
	for _, mt := range m.registry.BySymbol(tick.Symbol) {
		m.evaluateTrade(ctx, mt, snap)
	}
}

// evaluateTrade runs one trade's evaluators for one tick under the trade's
// lock. Panics are contained so the remainder of the tick batch proceeds.
func (m *Manager) evaluateTrade(ctx context.Context, mt *managedTrade, snap domain.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Trade evaluation panicked", map[string]interface{}{"tradeID": mt.trade.ID})
		}
	}()

	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.halted {
		return
	}
	trade := mt.trade
	status := trade.Status()
	if status.IsTerminal() {
		m.ejectIfTerminal(mt)
		return
	}

	entry := trade.EntryOrder
	switch {
	case entry.Status == domain.OrderWorking:
		if r, ok := entry.Rule.(domain.EntryRule); ok && evaluator.Entry(r, trade.Direction, snap) {
			m.logger.Info(ctx, "Entry triggered", map[string]interface{}{
				"tradeID": trade.ID, "symbol": trade.Symbol, "price": snap.Price, "trigger": r.Price,
			})
			m.submitOrder(ctx, mt, entry, domain.OrderEntrySubmitted, trade.Quantity)
		}
	case entry.Status == domain.OrderFilled:
		m.evaluateExits(ctx, mt, snap)
	}
}

// evaluateExits recomputes the trailing stop and the active stop, then checks
// the stop and take-profit triggers. Only the triggered child is submitted;
// siblings stay untouched until a fill or cancel event arrives.
func (m *Manager) evaluateExits(ctx context.Context, mt *managedTrade, snap domain.Snapshot) {
	trade := mt.trade

	// A submitted exit owns the position until its fill or reject arrives.
	// Firing a sibling meanwhile would put two market exits at the broker.
	for _, o := range trade.ChildOrders {
		if o.Status == domain.OrderContingentSubmitted || o.Status == domain.OrderContingentWorking {
			return
		}
	}

	if o := trade.Child(domain.KindTrailingStop); o != nil && o.Status == domain.OrderWorking {
		if rule, ok := o.Rule.(domain.TrailingStopRule); ok {
			level, err := evaluator.TrailingStop(rule, trade.Direction, o.TrailPrice, snap)
			if err != nil {
				m.logger.Warn(ctx, "Trailing stop recalculation failed", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
			} else if level != o.TrailPrice {
				m.logger.Debug(ctx, "Trailing stop ratcheted", map[string]interface{}{
					"tradeID": trade.ID, "from": o.TrailPrice, "to": level,
				})
				o.TrailPrice = level
			}
		}
	}

	if active := trade.ComputeActiveStop(); active != nil && evaluator.StopTriggered(trade.Direction, active.Price, snap.Price) {
		o := trade.Child(active.Type)
		if o != nil && o.Status == domain.OrderWorking {
			m.logger.Info(ctx, "Stop triggered", map[string]interface{}{
				"tradeID": trade.ID, "type": active.Type, "stop": active.Price, "price": snap.Price,
			})
			m.submitOrder(ctx, mt, o, domain.OrderContingentSubmitted, trade.FilledQuantity)
			return // the stop takes precedence; never fire two exits on one tick
		}
	}

	if o := trade.Child(domain.KindTakeProfit); o != nil && o.Status == domain.OrderWorking {
		if rule, ok := o.Rule.(domain.TakeProfitRule); ok && evaluator.TakeProfit(rule, trade.Direction, snap) {
			m.logger.Info(ctx, "Take profit triggered", map[string]interface{}{
				"tradeID": trade.ID, "target": rule.Price, "price": snap.Price,
			})
			m.submitOrder(ctx, mt, o, domain.OrderContingentSubmitted, trade.FilledQuantity)
		}
	}
}

// submitOrder applies the submission transition, persists the intent, and
// only then hands the broker command to the executor on its own goroutine.
// Requires the trade lock.
func (m *Manager) submitOrder(ctx context.Context, mt *managedTrade, order *domain.Order, to domain.OrderStatus, qty float64) {
	trade := mt.trade
	order.ClientOrderID = uuid.NewString()

	if err := applyTransition(trade, order, to); err != nil {
		m.logger.Error(ctx, err, "Refused submission transition", map[string]interface{}{"tradeID": trade.ID, "orderID": order.ID})
		return
	}
	// Persist intent before the broker call so every reader sees it.
	if err := m.persistOrHalt(ctx, mt); err != nil {
		return
	}
	m.registry.MapClientOrder(order.ClientOrderID, mt)

	bo := ports.BrokerOrder{
		ClientOrderID: order.ClientOrderID,
		Symbol:        trade.Symbol,
		Side:          order.Side,
		Quantity:      qty,
		Type:          ports.BrokerMarket,
	}
	kind := string(order.Kind)
	go m.executor.Submit(ctx, kind, bo)
}

// HandleAck records the broker's acknowledgement: the order now exists at the
// broker under brokerOrderID. A child moves to ContingentOrderWorking. A fill
// may outrun the ack on a fast stream; the ack then only backfills the broker
// id. If the order was cancelled while the submission was in flight, the
// broker copy is cancelled immediately.
func (m *Manager) HandleAck(ctx context.Context, clientOrderID, brokerOrderID string) {
	mt := m.registry.ByClientOrder(clientOrderID)
	if mt == nil {
		m.logger.Warn(ctx, "Ack for untracked client order", map[string]interface{}{"clientOrderID": clientOrderID})
		return
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	trade := mt.trade
	order := orderByClientID(trade, clientOrderID)
	if order == nil {
		return
	}
	if order.Status == domain.OrderFilled {
		// The order executed before its ack arrived. Nothing to cancel.
		if order.BrokerOrderID == "" {
			order.BrokerOrderID = brokerOrderID
			_ = m.persistOrHalt(ctx, mt)
		}
		return
	}
	if order.Status.IsTerminal() || order.Status == domain.OrderInactive {
		// Cancelled while in flight; the local decision wins.
		m.logger.Warn(ctx, "Ack arrived after local cancel, cancelling at broker", map[string]interface{}{
			"tradeID": trade.ID, "orderID": order.ID, "brokerOrderID": brokerOrderID,
		})
		symbol := trade.Symbol
		go func() {
			if err := m.executor.Cancel(ctx, symbol, brokerOrderID); err != nil {
				m.logger.Error(ctx, err, "Failed to cancel in-flight order at broker", map[string]interface{}{"brokerOrderID": brokerOrderID})
			}
		}()
		return
	}

	order.BrokerOrderID = brokerOrderID
	if order.Status == domain.OrderContingentSubmitted {
		if err := applyTransition(trade, order, domain.OrderContingentWorking); err != nil {
			m.logger.Error(ctx, err, "Refused ack transition", map[string]interface{}{"tradeID": trade.ID, "orderID": order.ID})
			return
		}
	}
	_ = m.persistOrHalt(ctx, mt)
}

// HandleFill applies a broker-confirmed execution: the entry fill arms the
// children under a fresh OCA group; a child fill cancels every non-terminal
// sibling in the same group within the same cycle.
func (m *Manager) HandleFill(ctx context.Context, ev ports.FillEvent) {
	mt := m.registry.ByClientOrder(ev.ClientOrderID)
	if mt == nil {
		m.logger.Debug(ctx, "Fill for untracked client order", map[string]interface{}{"clientOrderID": ev.ClientOrderID})
		return
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	trade := mt.trade
	order := orderByClientID(trade, ev.ClientOrderID)
	if order == nil {
		return
	}
	if order.Status.IsTerminal() || order.Status == domain.OrderInactive {
		// The broker executed after a local cancel: real position risk.
		m.logger.Error(ctx, fmt.Errorf("fill after local cancel"), "MANUAL REVIEW REQUIRED: fill arrived for locally cancelled order", map[string]interface{}{
			"tradeID": trade.ID, "orderID": order.ID, "filledQty": ev.FilledQty, "fillPrice": ev.FillPrice,
		})
		return
	}

	if err := applyTransition(trade, order, domain.OrderFilled); err != nil {
		m.logger.Error(ctx, err, "Refused fill transition", map[string]interface{}{"tradeID": trade.ID, "orderID": order.ID})
		return
	}
	// Confirmed quantity drives everything downstream, never the requested one.
	order.FilledQty = ev.FilledQty
	order.FillPrice = ev.FillPrice
	if order.BrokerOrderID == "" {
		order.BrokerOrderID = ev.BrokerOrderID
	}
	metrics.IncFill(string(order.Kind))

	if order.Kind == domain.KindEntry {
		trade.FilledQuantity = ev.FilledQty
		m.armChildren(ctx, trade)
		m.logger.Info(ctx, "Entry filled", map[string]interface{}{
			"tradeID": trade.ID, "filledQty": ev.FilledQty, "fillPrice": ev.FillPrice,
		})
	} else {
		m.cancelSiblings(ctx, trade, order)
		m.logger.Info(ctx, "Exit filled", map[string]interface{}{
			"tradeID": trade.ID, "kind": order.Kind, "filledQty": ev.FilledQty, "fillPrice": ev.FillPrice,
		})
	}

	if err := m.persistOrHalt(ctx, mt); err != nil {
		return
	}
	m.ejectIfTerminal(mt)
}

// armChildren moves the draft exit orders to Working under one shared OCA
// group once the entry is confirmed.
func (m *Manager) armChildren(ctx context.Context, trade *domain.Trade) {
	if len(trade.ChildOrders) == 0 {
		return
	}
	group := uuid.NewString()
	for _, o := range trade.ChildOrders {
		if o.Status != domain.OrderDraft {
			continue
		}
		if err := applyTransition(trade, o, domain.OrderWorking); err != nil {
			m.logger.Error(ctx, err, "Failed to arm child order", map[string]interface{}{"tradeID": trade.ID, "orderID": o.ID})
			continue
		}
		o.OCAGroup = group
		// Exits cover the confirmed position, not the requested size.
		o.RequestedQty = trade.FilledQuantity
	}
}

// cancelSiblings enforces OCA: every non-terminal order sharing the filled
// order's group is cancelled, locally when it was never transmitted, at the
// broker otherwise.
func (m *Manager) cancelSiblings(ctx context.Context, trade *domain.Trade, filled *domain.Order) {
	if filled.OCAGroup == "" {
		return
	}
	for _, o := range trade.ChildOrders {
		if o == filled || o.OCAGroup != filled.OCAGroup || o.Status.IsTerminal() {
			continue
		}
		wasVirtual := o.IsVirtual()
		brokerID := o.BrokerOrderID
		if err := applyTransition(trade, o, domain.OrderCancelled); err != nil {
			m.logger.Error(ctx, err, "Failed to cancel OCA sibling", map[string]interface{}{"tradeID": trade.ID, "orderID": o.ID})
			continue
		}
		metrics.IncOCACancel()
		if !wasVirtual && brokerID != "" {
			symbol := trade.Symbol
			go func() {
				if err := m.executor.Cancel(ctx, symbol, brokerID); err != nil {
					m.logger.Error(ctx, err, "Broker cancel of OCA sibling failed", map[string]interface{}{"brokerOrderID": brokerID})
				}
			}()
		}
		m.logger.Info(ctx, "OCA sibling cancelled", map[string]interface{}{
			"tradeID": trade.ID, "orderID": o.ID, "kind": o.Kind, "localOnly": wasVirtual,
		})
	}
}

// HandleReject applies a broker refusal. The trade keeps its last known-good
// status; a rejected risk-bearing exit is surfaced for manual review and
// never retried silently.
func (m *Manager) HandleReject(ctx context.Context, ev ports.RejectEvent) {
	mt := m.registry.ByClientOrder(ev.ClientOrderID)
	if mt == nil {
		m.logger.Warn(ctx, "Reject for untracked client order", map[string]interface{}{"clientOrderID": ev.ClientOrderID})
		return
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m.rejectOrder(ctx, mt, ev.ClientOrderID, ev.Reason)
}

// HandleSubmitFailure reports that the broker call itself failed; the order
// is marked Rejected exactly as for an explicit refusal.
func (m *Manager) HandleSubmitFailure(ctx context.Context, clientOrderID string, err error) {
	mt := m.registry.ByClientOrder(clientOrderID)
	if mt == nil {
		m.logger.Warn(ctx, "Submit failure for untracked client order", map[string]interface{}{"clientOrderID": clientOrderID})
		return
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m.rejectOrder(ctx, mt, clientOrderID, err.Error())
}

// rejectOrder marks the order Rejected. Requires the trade lock.
func (m *Manager) rejectOrder(ctx context.Context, mt *managedTrade, clientOrderID, reason string) {
	trade := mt.trade
	order := orderByClientID(trade, clientOrderID)
	if order == nil {
		return
	}
	if err := applyTransition(trade, order, domain.OrderRejected); err != nil {
		m.logger.Error(ctx, err, "Refused reject transition", map[string]interface{}{"tradeID": trade.ID, "orderID": order.ID})
		return
	}
	metrics.IncReject()
	fields := map[string]interface{}{"tradeID": trade.ID, "orderID": order.ID, "kind": order.Kind, "reason": reason}
	if order.Kind.IsExit() && trade.EntryOrder.Status == domain.OrderFilled {
		m.logger.Error(ctx, ports.ErrBrokerRejected, "MANUAL REVIEW REQUIRED: exit order rejected while position is open", fields)
	} else {
		m.logger.Warn(ctx, "Order rejected by broker", fields)
	}
	if err := m.persistOrHalt(ctx, mt); err != nil {
		return
	}
	m.ejectIfTerminal(mt)
}

// persistOrHalt atomically writes the whole trade record. A failed write
// halts the trade: no further evaluation and, above all, no broker call may
// be issued against unconfirmed state. Requires the trade lock.
func (m *Manager) persistOrHalt(ctx context.Context, mt *managedTrade) error {
	if err := m.repo.Save(ctx, mt.trade); err != nil {
		mt.halted = true
		metrics.IncPersistenceFailure()
		m.logger.Error(ctx, err, "ALERT: durable write failed, trade halted", map[string]interface{}{"tradeID": mt.trade.ID})
		return fmt.Errorf("trade %s halted: %w: %w", mt.trade.ID, ports.ErrPersistenceFailure, err)
	}
	return nil
}

// ejectIfTerminal removes a finished trade from tick dispatch. Requires the
// trade lock.
func (m *Manager) ejectIfTerminal(mt *managedTrade) {
	if mt.trade.Status().IsTerminal() {
		m.registry.Eject(mt)
		metrics.SetActiveTrades(m.registry.ActiveCount())
	}
}

func orderByClientID(trade *domain.Trade, clientOrderID string) *domain.Order {
	for _, o := range trade.Orders() {
		if o.ClientOrderID == clientOrderID {
			return o
		}
	}
	return nil
}
