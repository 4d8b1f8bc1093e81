package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/engine/evaluator"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

// Mock implementations

type mockLogger struct {
	mu        sync.Mutex
	errorMsgs []string
	warnMsgs  []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type mockBroker struct {
	mu         sync.Mutex
	connected  bool
	placed     []ports.BrokerOrder
	placeErr   error
	cancelled  []string
	openOrders []ports.OpenOrder
	positions  []ports.Position
	bars       []domain.Bar
	nextID     int
}

func (m *mockBroker) Connect(ctx context.Context) error {
	m.connected = true
	return nil
}
func (m *mockBroker) Disconnect(ctx context.Context) error {
	m.connected = false
	return nil
}
func (m *mockBroker) IsConnected() bool { return m.connected }

func (m *mockBroker) PlaceOrder(ctx context.Context, order ports.BrokerOrder) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return "", m.placeErr
	}
	m.nextID++
	m.placed = append(m.placed, order)
	return fmt.Sprintf("B-%d", m.nextID), nil
}

func (m *mockBroker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, brokerOrderID)
	return nil
}

func (m *mockBroker) StreamFills(ctx context.Context, onFill func(ports.FillEvent), onReject func(ports.RejectEvent)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}), nil
}

func (m *mockBroker) GetPositions(ctx context.Context) ([]ports.Position, error) {
	return m.positions, nil
}
func (m *mockBroker) GetOpenOrders(ctx context.Context) ([]ports.OpenOrder, error) {
	return m.openOrders, nil
}
func (m *mockBroker) GetHistoricalBars(ctx context.Context, symbol string, lookbackDays int) ([]domain.Bar, error) {
	return m.bars, nil
}

func (m *mockBroker) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func (m *mockBroker) lastPlaced() ports.BrokerOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placed[len(m.placed)-1]
}

func (m *mockBroker) cancelledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

type mockRepo struct {
	mu      sync.Mutex
	saveErr error
	saves   int
	trades  map[string]*domain.Trade
}

func newMockRepo() *mockRepo {
	return &mockRepo{trades: make(map[string]*domain.Trade)}
}

func (m *mockRepo) Save(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.trades[trade.ID] = trade
	return nil
}

func (m *mockRepo) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades[id], nil
}

func (m *mockRepo) FindAll(ctx context.Context) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockRepo) FindActive(ctx context.Context) ([]*domain.Trade, error) {
	all, _ := m.FindAll(ctx)
	out := all[:0]
	for _, t := range all {
		if !t.Status().IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepo) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Test harness

type harness struct {
	manager *Manager
	broker  *mockBroker
	repo    *mockRepo
	logger  *mockLogger
}

func newHarness(t *testing.T, limits evaluator.PortfolioLimits) *harness {
	t.Helper()
	if limits.BuyingPower == 0 {
		limits.BuyingPower = 1e9
	}
	broker := &mockBroker{}
	repo := newMockRepo()
	logger := &mockLogger{}
	executor, err := NewExecutor(broker, logger)
	require.NoError(t, err)
	manager, err := NewManager(ManagerConfig{
		Logger:   logger,
		Repo:     repo,
		Executor: executor,
		Broker:   broker,
		Limits:   limits,
	})
	require.NoError(t, err)
	return &harness{manager: manager, broker: broker, repo: repo, logger: logger}
}

func longDef() TradeDefinition {
	return TradeDefinition{
		Symbol:      "ABC",
		Direction:   domain.Long,
		Quantity:    100,
		Entry:       domain.EntryRule{Op: domain.GTE, Price: 100},
		InitialStop: &domain.InitialStopRule{Price: 95},
		TakeProfit:  &domain.TakeProfitRule{Price: 120},
	}
}

func (h *harness) tick(price float64) {
	h.manager.OnTick(context.Background(), domain.Tick{Symbol: "ABC", Price: price, Time: time.Now()}, nil)
}

func (h *harness) trade(t *testing.T, id string) *domain.Trade {
	t.Helper()
	mt := h.manager.registry.ByID(id)
	require.NotNil(t, mt)
	return mt.trade
}

// locked runs assertions under the trade's own lock so they cannot race with
// the async ack callback.
func (h *harness) locked(t *testing.T, id string, fn func(trade *domain.Trade)) {
	t.Helper()
	mt := h.manager.registry.ByID(id)
	require.NotNil(t, mt)
	mt.mu.Lock()
	defer mt.mu.Unlock()
	fn(mt.trade)
}

// waitAcked blocks until the broker id for the order of the given kind is
// recorded, proving the ack callback ran.
func (h *harness) waitAcked(t *testing.T, id string, kind domain.OrderKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		acked := false
		h.locked(t, id, func(trade *domain.Trade) {
			var o *domain.Order
			if kind == domain.KindEntry {
				o = trade.EntryOrder
			} else {
				o = trade.Child(kind)
			}
			acked = o != nil && o.BrokerOrderID != ""
		})
		return acked
	}, time.Second, 5*time.Millisecond)
}

// waitPlaced blocks until the broker saw n submissions, proving the async
// submit path ran.
func (h *harness) waitPlaced(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.broker.placedCount() == n }, time.Second, 5*time.Millisecond)
}

// Tests

func TestActivateRefusesInvalidDefinition(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})

	def := TradeDefinition{
		Symbol:      "",
		Direction:   "sideways",
		Quantity:    -5,
		Entry:       domain.EntryRule{Price: 100},
		InitialStop: &domain.InitialStopRule{Price: 105}, // above entry on a long
	}
	_, err := h.manager.Activate(context.Background(), def)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Reasons), 3)
}

func TestActivatePersistsAndIndexes(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})

	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	trade := h.trade(t, id)
	assert.Equal(t, domain.OrderWorking, trade.EntryOrder.Status)
	require.Len(t, trade.ChildOrders, 2)
	for _, child := range trade.ChildOrders {
		assert.Equal(t, domain.OrderDraft, child.Status)
	}

	saved, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 1, h.manager.registry.ActiveCount())
}

func TestActivateEnforcesPortfolioLimits(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{MaxOpenTrades: 1})

	_, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	_, err = h.manager.Activate(context.Background(), longDef())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reasons[0], "open trades")
}

func TestEntryTriggerSubmitsExactlyOnce(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	// Below the trigger: nothing happens.
	h.tick(99.5)
	assert.Equal(t, 0, h.broker.placedCount())
	assert.Equal(t, domain.OrderWorking, h.trade(t, id).EntryOrder.Status)

	// At the trigger: intent persisted, one market order transmitted.
	h.tick(100.0)
	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderEntrySubmitted, trade.EntryOrder.Status)
		assert.Equal(t, domain.TradePending, trade.Status())
	})
	h.waitPlaced(t, 1)

	bo := h.lastOrder()
	assert.Equal(t, domain.Buy, bo.Side)
	assert.Equal(t, 100.0, bo.Quantity)
	assert.Equal(t, ports.BrokerMarket, bo.Type)

	// Further ticks while submitted must not duplicate the command.
	h.tick(101.0)
	h.tick(102.0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.broker.placedCount())
}

func (h *harness) lastOrder() ports.BrokerOrder { return h.broker.lastPlaced() }

// fillEntry drives a trade through trigger, submission, ack and broker fill.
func fillEntry(t *testing.T, h *harness, id string, fillQty, fillPrice float64) {
	t.Helper()
	h.tick(100.0)
	h.waitPlaced(t, 1)
	h.waitAcked(t, id, domain.KindEntry)
	var clientOrderID string
	h.locked(t, id, func(trade *domain.Trade) { clientOrderID = trade.EntryOrder.ClientOrderID })
	h.manager.HandleFill(context.Background(), ports.FillEvent{
		BrokerOrderID: "B-1",
		ClientOrderID: clientOrderID,
		Symbol:        "ABC",
		FilledQty:     fillQty,
		FillPrice:     fillPrice,
		Timestamp:     time.Now(),
	})
}

func TestEntryFillArmsChildrenUnderOneOCAGroup(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	// Broker confirms only 60 of the requested 100.
	fillEntry(t, h, id, 60, 100.2)

	trade := h.trade(t, id)
	assert.Equal(t, domain.OrderFilled, trade.EntryOrder.Status)
	assert.Equal(t, domain.TradeFilled, trade.Status())
	assert.Equal(t, 60.0, trade.FilledQuantity)

	group := trade.ChildOrders[0].OCAGroup
	require.NotEmpty(t, group)
	for _, child := range trade.ChildOrders {
		assert.Equal(t, domain.OrderWorking, child.Status)
		assert.Equal(t, group, child.OCAGroup)
		// Confirmed quantity drives exit sizing, never the requested 100.
		assert.Equal(t, 60.0, child.RequestedQty)
	}
}

func TestStopTriggerSubmitsConfirmedQuantity(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	fillEntry(t, h, id, 60, 100.2)

	// Price pierces the 95 stop.
	h.tick(94.8)
	h.waitPlaced(t, 2)
	h.waitAcked(t, id, domain.KindInitialStop)

	bo := h.lastOrder()
	assert.Equal(t, domain.Sell, bo.Side)
	assert.Equal(t, 60.0, bo.Quantity)

	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderContingentWorking, trade.Child(domain.KindInitialStop).Status)
		// The take profit sibling stays untouched until a fill event arrives.
		assert.Equal(t, domain.OrderWorking, trade.Child(domain.KindTakeProfit).Status)
	})
}

func TestFillBeforeAckRecordsBrokerIDWithoutCancel(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	h.tick(100.0)
	h.waitPlaced(t, 1)
	var clientOrderID string
	h.locked(t, id, func(trade *domain.Trade) { clientOrderID = trade.EntryOrder.ClientOrderID })

	// A fast stream can deliver the fill while the submit call is still
	// returning; the ack then lands on an already filled order and must not
	// be read as a local cancel.
	h.manager.HandleFill(context.Background(), ports.FillEvent{
		BrokerOrderID: "B-1",
		ClientOrderID: clientOrderID,
		Symbol:        "ABC",
		FilledQty:     100,
		FillPrice:     100.2,
		Timestamp:     time.Now(),
	})
	h.manager.HandleAck(context.Background(), clientOrderID, "B-1")

	require.Never(t, func() bool { return h.broker.cancelledCount() > 0 }, 300*time.Millisecond, 10*time.Millisecond)
	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderFilled, trade.EntryOrder.Status)
		assert.Equal(t, "B-1", trade.EntryOrder.BrokerOrderID)
		for _, child := range trade.ChildOrders {
			assert.Equal(t, domain.OrderWorking, child.Status)
		}
	})
}

func TestExitEvaluationPausesWhileSubmissionInFlight(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	fillEntry(t, h, id, 60, 100.2)

	h.tick(94.8) // stop submitted, fill pending
	h.waitPlaced(t, 2)
	h.waitAcked(t, id, domain.KindInitialStop)

	// A spike through the take profit target while the stop awaits its fill
	// must not put a second exit at the broker.
	h.tick(120.0)
	require.Never(t, func() bool { return h.broker.placedCount() > 2 }, 300*time.Millisecond, 10*time.Millisecond)
	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderContingentWorking, trade.Child(domain.KindInitialStop).Status)
		assert.Equal(t, domain.OrderWorking, trade.Child(domain.KindTakeProfit).Status)
	})
}

func TestChildFillCancelsSiblingsAndClosesTrade(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	fillEntry(t, h, id, 60, 100.2)

	h.tick(94.8)
	h.waitPlaced(t, 2)
	h.waitAcked(t, id, domain.KindInitialStop)

	var stopBrokerID, stopClientID string
	h.locked(t, id, func(trade *domain.Trade) {
		stop := trade.Child(domain.KindInitialStop)
		stopBrokerID, stopClientID = stop.BrokerOrderID, stop.ClientOrderID
	})
	h.manager.HandleFill(context.Background(), ports.FillEvent{
		BrokerOrderID: stopBrokerID,
		ClientOrderID: stopClientID,
		Symbol:        "ABC",
		FilledQty:     60,
		FillPrice:     94.7,
		Timestamp:     time.Now(),
	})

	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderFilled, trade.Child(domain.KindInitialStop).Status)
		// The virtual take profit is cancelled locally, no broker call.
		assert.Equal(t, domain.OrderCancelled, trade.Child(domain.KindTakeProfit).Status)
		assert.Equal(t, domain.TradeClosed, trade.Status())
	})
	assert.Equal(t, 0, h.broker.cancelledCount())
	assert.Equal(t, 0, h.manager.registry.ActiveCount())

	// The closed trade receives no further evaluation.
	h.tick(90.0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, h.broker.placedCount())
}

func TestRejectKeepsLastKnownGoodState(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	h.tick(100.0)
	h.waitPlaced(t, 1)
	h.waitAcked(t, id, domain.KindEntry)
	var clientOrderID string
	h.locked(t, id, func(trade *domain.Trade) { clientOrderID = trade.EntryOrder.ClientOrderID })

	h.manager.HandleReject(context.Background(), ports.RejectEvent{
		ClientOrderID: clientOrderID,
		Symbol:        "ABC",
		Reason:        "insufficient margin",
	})

	h.locked(t, id, func(trade *domain.Trade) {
		assert.Equal(t, domain.OrderRejected, trade.EntryOrder.Status)
		// Children were never armed; no exit submissions may follow.
		for _, child := range trade.ChildOrders {
			assert.Equal(t, domain.OrderDraft, child.Status)
		}
	})
	assert.Equal(t, 1, h.broker.placedCount())
}

func TestSubmitFailureMarksOrderRejected(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	h.broker.placeErr = errors.New("connection reset")
	h.tick(100.0)

	require.Eventually(t, func() bool {
		rejected := false
		h.locked(t, id, func(trade *domain.Trade) {
			rejected = trade.EntryOrder.Status == domain.OrderRejected
		})
		return rejected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.broker.placedCount())
}

func TestPersistenceFailureHaltsTradeBeforeBrokerCall(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	h.repo.setSaveErr(errors.New("disk full"))
	h.tick(100.0)

	// Intent could not be persisted: the broker must never see the order.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.broker.placedCount())
	assert.True(t, h.manager.registry.ByID(id).halted)

	// A halted trade receives no further evaluation.
	h.repo.setSaveErr(nil)
	h.tick(101.0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.broker.placedCount())
}

func TestCancelVirtualTradeNeverTouchesBroker(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	require.NoError(t, h.manager.Cancel(context.Background(), id))

	trade := h.trade(t, id)
	for _, o := range trade.Orders() {
		assert.Equal(t, domain.OrderCancelled, o.Status)
	}
	assert.Equal(t, domain.TradeCancelled, trade.Status())
	assert.Equal(t, 0, h.broker.placedCount())
	assert.Equal(t, 0, h.broker.cancelledCount())
	assert.Equal(t, 0, h.manager.registry.ActiveCount())
}

func TestCancelFilledTradeCancelsWorkingExitAtBroker(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	fillEntry(t, h, id, 100, 100.2)

	h.tick(94.8) // stop submitted and acked
	h.waitPlaced(t, 2)
	h.waitAcked(t, id, domain.KindInitialStop)

	require.NoError(t, h.manager.Cancel(context.Background(), id))
	require.Eventually(t, func() bool { return h.broker.cancelledCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTerminalTradeRefusesOperations(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)
	require.NoError(t, h.manager.Cancel(context.Background(), id))

	err = h.manager.Cancel(context.Background(), id)
	assert.Error(t, err)

	err = h.manager.Modify(context.Background(), id, longDef())
	assert.Error(t, err)
}

func TestModifySwapsRuleThroughInactive(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	def := longDef()
	def.Entry = domain.EntryRule{Op: domain.GTE, Price: 110}
	def.InitialStop = &domain.InitialStopRule{Price: 104}
	require.NoError(t, h.manager.Modify(context.Background(), id, def))

	trade := h.trade(t, id)
	assert.Equal(t, domain.OrderWorking, trade.EntryOrder.Status)
	assert.Equal(t, domain.EntryRule{Op: domain.GTE, Price: 110}, trade.EntryOrder.Rule)
	assert.Equal(t, domain.InitialStopRule{Price: 104}, trade.Child(domain.KindInitialStop).Rule)

	// The old 100 trigger must no longer fire.
	h.tick(105.0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.broker.placedCount())

	h.tick(110.0)
	h.waitPlaced(t, 1)
}

func TestGetTradeFallsBackToRepository(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})
	id, err := h.manager.Activate(context.Background(), longDef())
	require.NoError(t, err)

	view, err := h.manager.GetTrade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, domain.TradeBlank, view.Status)

	_, err = h.manager.GetTrade(context.Background(), "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRecoverMarksUnconfirmedSubmissionsRejected(t *testing.T) {
	h := newHarness(t, evaluator.PortfolioLimits{})

	confirmed := newValidatorTrade(domain.OrderEntrySubmitted, domain.OrderDraft)
	confirmed.ID = "t-confirmed"
	confirmed.EntryOrder.ClientOrderID = "c-confirmed"
	confirmed.EntryOrder.BrokerOrderID = "B-9"

	lost := newValidatorTrade(domain.OrderEntrySubmitted, domain.OrderDraft)
	lost.ID = "t-lost"
	lost.EntryOrder.ClientOrderID = "c-lost"

	require.NoError(t, h.repo.Save(context.Background(), confirmed))
	require.NoError(t, h.repo.Save(context.Background(), lost))
	h.broker.openOrders = []ports.OpenOrder{{BrokerOrderID: "B-9", ClientOrderID: "c-confirmed", Symbol: "ABC", Status: "NEW"}}

	require.NoError(t, h.manager.Recover(context.Background()))

	assert.Equal(t, domain.OrderEntrySubmitted, h.trade(t, "t-confirmed").EntryOrder.Status)
	assert.Equal(t, domain.OrderRejected, h.trade(t, "t-lost").EntryOrder.Status)

	// Fill routing for the confirmed submission survives the restart.
	assert.NotNil(t, h.manager.registry.ByClientOrder("c-confirmed"))
}
