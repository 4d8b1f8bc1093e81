package engine

import (
	"time"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// transitions is the complete legal transition table. Anything absent is
// refused, regardless of call site (tick evaluation, fill callback, user
// action).
var transitions = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderDraft: {
		domain.OrderWorking:   true,
		domain.OrderInactive:  true,
		domain.OrderCancelled: true,
	},
	domain.OrderWorking: {
		domain.OrderEntrySubmitted:      true,
		domain.OrderContingentSubmitted: true,
		domain.OrderInactive:            true,
		domain.OrderCancelled:           true,
	},
	domain.OrderEntrySubmitted: {
		domain.OrderFilled:    true,
		domain.OrderRejected:  true,
		domain.OrderCancelled: true,
		domain.OrderInactive:  true,
	},
	domain.OrderContingentSubmitted: {
		domain.OrderContingentWorking: true,
		domain.OrderFilled:            true,
		domain.OrderRejected:          true,
		domain.OrderCancelled:         true,
		domain.OrderInactive:          true,
	},
	domain.OrderContingentWorking: {
		domain.OrderFilled:    true,
		domain.OrderRejected:  true,
		domain.OrderCancelled: true,
		domain.OrderInactive:  true,
	},
	// Inactive suppresses evaluation but a user modify can re-arm the order.
	domain.OrderInactive: {
		domain.OrderWorking:   true,
		domain.OrderCancelled: true,
	},
}

// ValidateTransition checks a requested status change against the transition
// table and the terminal-state guard. It is the single source of truth for
// legality; every caller must apply it before mutating status.
func ValidateTransition(trade *domain.Trade, order *domain.Order, to domain.OrderStatus) error {
	if status := trade.Status(); status.IsTerminal() {
		return &TransitionError{
			OrderID: order.ID,
			From:    order.Status,
			To:      to,
			Reason:  "trade is " + string(status),
		}
	}
	if order.Status.IsTerminal() {
		return &TransitionError{OrderID: order.ID, From: order.Status, To: to, Reason: "order status is terminal"}
	}
	if !transitions[order.Status][to] {
		return &TransitionError{OrderID: order.ID, From: order.Status, To: to}
	}
	return nil
}

// applyTransition validates and then performs the status change. The order is
// untouched when validation fails.
func applyTransition(trade *domain.Trade, order *domain.Order, to domain.OrderStatus) error {
	if err := ValidateTransition(trade, order, to); err != nil {
		return err
	}
	order.Status = to
	now := time.Now().UTC()
	order.UpdatedAt = now
	trade.UpdatedAt = now
	return nil
}
