// Package evaluator holds the pure trigger conditions of the engine: each
// function maps (rule, market snapshot) to a triggered decision and never
// touches engine state, the store or the broker.
package evaluator

import "github.com/BenFisher1984/web-execution-agent/internal/domain"

// Entry reports whether the entry trigger has fired. When the rule carries no
// explicit operator the direction's natural breakout comparison applies:
// long enters at or above the trigger, short at or below.
func Entry(rule domain.EntryRule, direction domain.Direction, snap domain.Snapshot) bool {
	op := rule.Op
	if op == "" {
		if direction == domain.Short {
			op = domain.LTE
		} else {
			op = domain.GTE
		}
	}
	switch op {
	case domain.GTE:
		return snap.Price >= rule.Price
	case domain.LTE:
		return snap.Price <= rule.Price
	}
	return false
}
