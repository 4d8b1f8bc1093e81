package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

func newValidatorTrade(entryStatus domain.OrderStatus, childStatus domain.OrderStatus) *domain.Trade {
	return &domain.Trade{
		ID:        "trade-1",
		Symbol:    "ABC",
		Direction: domain.Long,
		Quantity:  100,
		EntryOrder: &domain.Order{
			ID:     "entry-1",
			Kind:   domain.KindEntry,
			Status: entryStatus,
			Side:   domain.Buy,
			Rule:   domain.EntryRule{Price: 100},
		},
		ChildOrders: []*domain.Order{
			{
				ID:     "stop-1",
				Kind:   domain.KindInitialStop,
				Status: childStatus,
				Side:   domain.Sell,
				Rule:   domain.InitialStopRule{Price: 95},
			},
		},
	}
}

func TestValidateTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from domain.OrderStatus
		to   domain.OrderStatus
		ok   bool
	}{
		{"draft arms to working", domain.OrderDraft, domain.OrderWorking, true},
		{"draft to inactive", domain.OrderDraft, domain.OrderInactive, true},
		{"draft to cancelled", domain.OrderDraft, domain.OrderCancelled, true},
		{"draft cannot fill", domain.OrderDraft, domain.OrderFilled, false},
		{"draft cannot submit", domain.OrderDraft, domain.OrderEntrySubmitted, false},
		{"working submits as entry", domain.OrderWorking, domain.OrderEntrySubmitted, true},
		{"working submits as contingent", domain.OrderWorking, domain.OrderContingentSubmitted, true},
		{"working cannot fill directly", domain.OrderWorking, domain.OrderFilled, false},
		{"submitted entry fills", domain.OrderEntrySubmitted, domain.OrderFilled, true},
		{"submitted entry rejects", domain.OrderEntrySubmitted, domain.OrderRejected, true},
		{"submitted entry cannot re-arm", domain.OrderEntrySubmitted, domain.OrderWorking, false},
		{"contingent submitted acknowledges", domain.OrderContingentSubmitted, domain.OrderContingentWorking, true},
		{"contingent submitted fills before ack", domain.OrderContingentSubmitted, domain.OrderFilled, true},
		{"contingent working fills", domain.OrderContingentWorking, domain.OrderFilled, true},
		{"contingent working cancels", domain.OrderContingentWorking, domain.OrderCancelled, true},
		{"inactive re-arms", domain.OrderInactive, domain.OrderWorking, true},
		{"inactive cancels", domain.OrderInactive, domain.OrderCancelled, true},
		{"inactive cannot submit", domain.OrderInactive, domain.OrderEntrySubmitted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trade := newValidatorTrade(domain.OrderWorking, domain.OrderDraft)
			order := &domain.Order{ID: "o-1", Kind: domain.KindInitialStop, Status: tt.from}
			trade.ChildOrders = []*domain.Order{order}

			err := ValidateTransition(trade, order, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				var terr *TransitionError
				require.ErrorAs(t, err, &terr)
				assert.Equal(t, tt.from, terr.From)
				assert.Equal(t, tt.to, terr.To)
			}
		})
	}
}

func TestValidateTransitionRefusesTerminalOrder(t *testing.T) {
	for _, from := range []domain.OrderStatus{domain.OrderFilled, domain.OrderCancelled, domain.OrderRejected} {
		trade := newValidatorTrade(domain.OrderWorking, from)
		order := trade.ChildOrders[0]

		err := ValidateTransition(trade, order, domain.OrderCancelled)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr, "from %s", from)
		assert.Equal(t, "order status is terminal", terr.Reason)
	}
}

func TestValidateTransitionRefusesTerminalTrade(t *testing.T) {
	// Entry filled, stop filled: the trade derives Closed. Nothing may move
	// anymore, whatever the caller.
	trade := newValidatorTrade(domain.OrderFilled, domain.OrderFilled)
	require.Equal(t, domain.TradeClosed, trade.Status())

	// A fresh non-terminal order on the closed trade is still refused.
	late := &domain.Order{ID: "late-1", Kind: domain.KindTakeProfit, Status: domain.OrderWorking}
	err := ValidateTransition(trade, late, domain.OrderContingentSubmitted)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "trade is")
}

func TestApplyTransitionLeavesOrderOnFailure(t *testing.T) {
	trade := newValidatorTrade(domain.OrderWorking, domain.OrderDraft)
	order := trade.ChildOrders[0]

	err := applyTransition(trade, order, domain.OrderFilled)
	require.Error(t, err)
	assert.Equal(t, domain.OrderDraft, order.Status)

	require.NoError(t, applyTransition(trade, order, domain.OrderWorking))
	assert.Equal(t, domain.OrderWorking, order.Status)
	assert.False(t, order.UpdatedAt.IsZero())
}

func TestTransitionErrorIsDistinguishable(t *testing.T) {
	trade := newValidatorTrade(domain.OrderWorking, domain.OrderDraft)
	err := ValidateTransition(trade, trade.ChildOrders[0], domain.OrderFilled)

	var terr *TransitionError
	assert.True(t, errors.As(err, &terr))
}
