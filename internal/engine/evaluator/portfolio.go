package evaluator

import (
	"fmt"

	"github.com/BenFisher1984/web-execution-agent/internal/domain"
)

// PortfolioLimits are the account-level constraints checked before a trade
// definition is allowed into the state machine.
type PortfolioLimits struct {
	BuyingPower     float64 // Available buying power
	MaxPositionSize float64 // Maximum quantity per symbol, 0 disables the check
	MaxLossPerTrade float64 // Maximum tolerated loss to the stop, 0 disables
	MaxOpenTrades   int     // Maximum concurrently active trades, 0 disables
}

// Portfolio evaluates the portfolio filter for a trade about to be activated.
// refPrice is the reference price used for sizing (usually the entry trigger).
// Returns every violated constraint; an empty slice means the trade may
// proceed.
func Portfolio(limits PortfolioLimits, trade *domain.Trade, refPrice float64, openTrades int) []string {
	var reasons []string

	required := trade.Quantity * refPrice
	if required > limits.BuyingPower {
		reasons = append(reasons, fmt.Sprintf("insufficient buying power: required %.2f, available %.2f", required, limits.BuyingPower))
	}

	if limits.MaxPositionSize > 0 && trade.Quantity > limits.MaxPositionSize {
		reasons = append(reasons, fmt.Sprintf("position size %.2f exceeds maximum allowed %.2f", trade.Quantity, limits.MaxPositionSize))
	}

	if limits.MaxOpenTrades > 0 && openTrades >= limits.MaxOpenTrades {
		reasons = append(reasons, fmt.Sprintf("open trades %d at maximum allowed %d", openTrades, limits.MaxOpenTrades))
	}

	if limits.MaxLossPerTrade > 0 {
		if stop := trade.Child(domain.KindInitialStop); stop != nil {
			if rule, ok := stop.Rule.(domain.InitialStopRule); ok {
				var lossPerUnit float64
				if trade.Direction == domain.Short {
					lossPerUnit = rule.Price - refPrice
				} else {
					lossPerUnit = refPrice - rule.Price
				}
				if loss := lossPerUnit * trade.Quantity; loss > limits.MaxLossPerTrade {
					reasons = append(reasons, fmt.Sprintf("potential loss %.2f exceeds maximum allowed %.2f", loss, limits.MaxLossPerTrade))
				}
			}
		}
	}

	return reasons
}
