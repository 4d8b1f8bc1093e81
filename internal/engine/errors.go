package engine

import (
	"fmt"
	"strings"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// ValidationError carries every reason a trade definition was refused before
// it could enter the state machine.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trade validation failed: %s", strings.Join(e.Reasons, "; "))
}

// TransitionError reports an illegal status change request. It indicates a
// programming or race defect in the caller; the order's stored status is left
// unchanged.
type TransitionError struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	Reason  string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal transition %s -> %s for order %s: %s", e.From, e.To, e.OrderID, e.Reason)
	}
	return fmt.Sprintf("illegal transition %s -> %s for order %s", e.From, e.To, e.OrderID)
}
