// Package binancebroker implements the broker and market-data boundaries
// against Binance USD-M futures. It transmits exactly the immediate-execution
// commands it is given; no staging, bracket or OCA logic lives here.
package binancebroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
	"github.com/BenFisher1984/web-execution-agent/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	listenKeyKeepalive = 30 * time.Minute
)

// Broker implements ports.BrokerAdapter using the go-binance library.
type Broker struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu        sync.Mutex
	connected bool
}

// Config holds configuration specific to the Binance adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance broker adapter.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance broker")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Broker will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance broker configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance broker configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Broker{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (b *Broker) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrBrokerRejected
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrBrokerRejected
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrNotFound
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		b.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	b.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Connect verifies API connectivity and synchronizes the client clock with
// the exchange.
func (b *Broker) Connect(ctx context.Context) error {
	op := "Connect"
	if err := b.futuresClient.NewPingService().Do(ctx); err != nil {
		return b.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	if _, err := b.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return b.handleError(ctx, err, op)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.Info(ctx, op+" successful")
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PlaceOrder transmits one order. The engine's client order id is passed
// through so fills and rejects can be routed back regardless of which side
// assigns the broker id first.
func (b *Broker) PlaceOrder(ctx context.Context, order ports.BrokerOrder) (string, error) {
	op := "PlaceOrder"

	svc := b.futuresClient.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(futures.SideType(order.Side)).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', -1, 64)).
		NewClientOrderID(order.ClientOrderID)

	switch order.Type {
	case ports.BrokerStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", b.handleError(ctx, err, op)
	}

	brokerOrderID := strconv.FormatInt(resp.OrderID, 10)
	b.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        order.Symbol,
		"side":          order.Side,
		"type":          order.Type,
		"quantity":      order.Quantity,
		"orderID":       brokerOrderID,
		"clientOrderID": order.ClientOrderID,
	})
	return brokerOrderID, nil
}

// CancelOrder cancels an open order on Binance.
func (b *Broker) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	op := "CancelOrder"
	orderID, err := strconv.ParseInt(brokerOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid broker order id %q: %w", op, brokerOrderID, ports.ErrInvalidRequest)
	}
	b.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": orderID})

	res, err := b.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return b.handleError(ctx, err, op)
	}
	b.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": res.Status})
	return nil
}

// StreamFills subscribes to the user-data stream and converts order trade
// updates into fill and reject events. The listen key is kept alive for the
// life of the stream and the connection is re-established with exponential
// backoff.
func (b *Broker) StreamFills(ctx context.Context, onFill func(ports.FillEvent), onReject func(ports.RejectEvent)) (chan struct{}, chan struct{}, error) {
	op := "StreamFills"
	wsCtx, cancelWs := context.WithCancel(ctx)

	binanceHandler := func(event *futures.WsUserDataEvent) {
		if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		update := event.OrderTradeUpdate
		switch update.Status {
		case futures.OrderStatusTypeFilled:
			qty, err := strconv.ParseFloat(update.AccumulatedFilledQty, 64)
			if err != nil {
				b.logger.Error(wsCtx, err, op+": Failed to parse filled quantity", map[string]interface{}{"raw": update.AccumulatedFilledQty})
				return
			}
			price, err := strconv.ParseFloat(update.AveragePrice, 64)
			if err != nil {
				b.logger.Error(wsCtx, err, op+": Failed to parse average price", map[string]interface{}{"raw": update.AveragePrice})
				return
			}
			onFill(ports.FillEvent{
				BrokerOrderID: strconv.FormatInt(update.ID, 10),
				ClientOrderID: update.ClientOrderID,
				Symbol:        update.Symbol,
				FilledQty:     qty,
				FillPrice:     price,
				Timestamp:     time.UnixMilli(update.TradeTime),
			})
		case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
			onReject(ports.RejectEvent{
				BrokerOrderID: strconv.FormatInt(update.ID, 10),
				ClientOrderID: update.ClientOrderID,
				Symbol:        update.Symbol,
				Reason:        string(update.Status),
				Timestamp:     time.UnixMilli(update.TradeTime),
			})
		}
	}

	binanceErrHandler := func(err error) {
		translatedErr := b.handleError(wsCtx, err, op+" WebSocket")
		b.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr.Error()})
	}

	// Reconnection loop; each pass obtains a fresh listen key.
	go func() {
		defer cancelWs()

		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				b.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.")
				return
			default:
			}

			listenKey, err := b.futuresClient.NewStartUserStreamService().Do(wsCtx)
			if err != nil {
				b.handleError(wsCtx, err, op+" listen key")
				if !b.backoff(wsCtx, op, &attempt) {
					return
				}
				continue
			}

			b.logger.Info(wsCtx, op+": Attempting WebSocket connection...", map[string]interface{}{"attempt": attempt + 1})
			innerDoneCh, innerStopCh, connectErr := futures.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)
			if connectErr != nil {
				b.handleError(wsCtx, connectErr, op+" connection attempt")
				if !b.backoff(wsCtx, op, &attempt) {
					return
				}
				continue
			}

			b.logger.Info(wsCtx, op+": WebSocket connection established.")
			attempt = 0

			keepaliveCtx, stopKeepalive := context.WithCancel(wsCtx)
			go b.keepalive(keepaliveCtx, listenKey)

			select {
			case <-innerDoneCh:
				stopKeepalive()
				b.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...")
			case <-wsCtx.Done():
				stopKeepalive()
				b.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.")
				select {
				case innerStopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	doneCh := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			b.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.")
			cancelWs()
		case <-wsCtx.Done():
		}
	}()
	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// keepalive renews the user-data listen key until cancelled.
func (b *Broker) keepalive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				b.handleError(ctx, err, "KeepaliveUserStream")
			}
		}
	}
}

// backoff sleeps with exponential backoff and jitter; reports false once the
// attempt budget is spent or the context ends.
func (b *Broker) backoff(ctx context.Context, op string, attempt *int) bool {
	*attempt++
	if *attempt >= b.maxReconnectAttempts {
		b.logger.Error(ctx, ports.ErrConnectionFailed, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"maxAttempts": b.maxReconnectAttempts})
		return false
	}
	delay := b.reconnectDelay * time.Duration(1<<uint(*attempt-1))
	jitter := time.Duration(float64(delay) * 0.1)
	actualDelay := delay + jitter
	b.logger.Info(ctx, op+": Connection failed, retrying...", map[string]interface{}{"attempt": *attempt + 1, "delay": actualDelay.String()})
	select {
	case <-time.After(actualDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// GetPositions returns the live position blotter, skipping flat symbols.
func (b *Broker) GetPositions(ctx context.Context) ([]ports.Position, error) {
	op := "GetPositions"
	positions, err := b.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	out := make([]ports.Position, 0, len(positions))
	for _, pos := range positions {
		qty, _ := strconv.ParseFloat(pos.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		avgPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		out = append(out, ports.Position{Symbol: pos.Symbol, Quantity: qty, AvgPrice: avgPrice})
	}
	return out, nil
}

// GetOpenOrders returns the live open-order blotter.
func (b *Broker) GetOpenOrders(ctx context.Context) ([]ports.OpenOrder, error) {
	op := "GetOpenOrders"
	orders, err := b.futuresClient.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	out := make([]ports.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, ports.OpenOrder{
			BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        o.Symbol,
			Status:        string(o.Status),
		})
	}
	return out, nil
}

// GetHistoricalBars fetches daily candles for the volatility preload.
func (b *Broker) GetHistoricalBars(ctx context.Context, symbol string, lookbackDays int) ([]domain.Bar, error) {
	op := "GetHistoricalBars"
	klines, err := b.futuresClient.NewKlinesService().
		Symbol(symbol).
		Interval("1d").
		Limit(lookbackDays + 1).
		Do(ctx)
	if err != nil {
		return nil, b.handleError(ctx, err, op)
	}

	bars := make([]domain.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := translateKline(k)
		if err != nil {
			return nil, b.handleError(ctx, fmt.Errorf("failed to translate historical candle: %w", err), op)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func translateKline(k *futures.Kline) (domain.Bar, error) {
	if k == nil {
		return domain.Bar{}, errors.New("received nil historical candle")
	}
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parsing open price '%s': %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parsing high price '%s': %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parsing low price '%s': %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parsing close price '%s': %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parsing volume '%s': %w", k.Volume, err)
	}
	return domain.Bar{
		Time:   time.UnixMilli(k.OpenTime),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  cls,
		Volume: vol,
	}, nil
}
