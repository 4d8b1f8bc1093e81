package engine

import (
	"context"
	"fmt"

	"github.com/BenFisher1984/web-execution-agent/internal/metrics"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

// FillHandler receives the Executor's asynchronous reports. The Manager
// implements it; every callback re-enters the per-trade lock so the
// serialization invariant holds across the async boundary.
type FillHandler interface {
	// HandleAck records the broker's acknowledgement of a submission.
	HandleAck(ctx context.Context, clientOrderID, brokerOrderID string)
	// HandleFill applies a broker-confirmed execution.
	HandleFill(ctx context.Context, ev ports.FillEvent)
	// HandleReject applies a broker refusal.
	HandleReject(ctx context.Context, ev ports.RejectEvent)
	// HandleSubmitFailure reports that the broker call itself failed.
	HandleSubmitFailure(ctx context.Context, clientOrderID string, err error)
}

// Executor turns one internal order into exactly one broker command and pumps
// fill/reject confirmations back to the handler. It never sees staged or
// bracket structure; the Manager only hands it orders whose own trigger has
// already fired.
type Executor struct {
	broker  ports.BrokerAdapter
	logger  ports.Logger
	handler FillHandler
}

// NewExecutor creates an executor over the given broker adapter. The handler
// is attached later (SetHandler) because Manager and Executor reference each
// other.
func NewExecutor(broker ports.BrokerAdapter, logger ports.Logger) (*Executor, error) {
	if broker == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Executor")
	}
	return &Executor{broker: broker, logger: logger}, nil
}

// SetHandler attaches the fill handler. Must be called before Start.
func (e *Executor) SetHandler(h FillHandler) { e.handler = h }

// Start opens the asynchronous fill stream. Returned channels follow the
// adapter contract: doneCh closes when the stream ends, stopCh shuts it down.
func (e *Executor) Start(ctx context.Context) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	if e.handler == nil {
		return nil, nil, fmt.Errorf("executor started without a fill handler")
	}
	onFill := func(ev ports.FillEvent) {
		e.handler.HandleFill(ctx, ev)
	}
	onReject := func(ev ports.RejectEvent) {
		e.handler.HandleReject(ctx, ev)
	}
	doneCh, stopCh, err = e.broker.StreamFills(ctx, onFill, onReject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start fill stream: %w", err)
	}
	e.logger.Info(ctx, "Fill stream started")
	return doneCh, stopCh, nil
}

// Submit transmits a single immediate-execution command. It blocks on the
// broker network call, so the Manager invokes it from its own goroutine after
// the intent has been persisted; the ack or failure is reported back through
// the handler.
func (e *Executor) Submit(ctx context.Context, kind string, bo ports.BrokerOrder) {
	op := "Submit"
	e.logger.Info(ctx, op+": Transmitting order", map[string]interface{}{
		"clientOrderID": bo.ClientOrderID,
		"symbol":        bo.Symbol,
		"side":          bo.Side,
		"quantity":      bo.Quantity,
		"type":          bo.Type,
	})
	brokerOrderID, err := e.broker.PlaceOrder(ctx, bo)
	if err != nil {
		e.logger.Error(ctx, err, op+": Broker call failed", map[string]interface{}{"clientOrderID": bo.ClientOrderID})
		e.handler.HandleSubmitFailure(ctx, bo.ClientOrderID, err)
		return
	}
	metrics.IncOrderSubmitted(kind)
	e.logger.Info(ctx, op+": Broker acknowledged order", map[string]interface{}{
		"clientOrderID": bo.ClientOrderID,
		"brokerOrderID": brokerOrderID,
	})
	e.handler.HandleAck(ctx, bo.ClientOrderID, brokerOrderID)
}

// Cancel cancels a previously transmitted order at the broker.
func (e *Executor) Cancel(ctx context.Context, symbol, brokerOrderID string) error {
	if err := e.broker.CancelOrder(ctx, symbol, brokerOrderID); err != nil {
		return fmt.Errorf("failed to cancel broker order %s: %w", brokerOrderID, err)
	}
	return nil
}
