package domain

import (
	"encoding/json"
	"fmt"
)

// Rule is the closed set of trigger conditions an order can carry. Each
// variant holds only the fields its evaluator needs; evaluation itself lives
// in the engine so rules stay plain data.
type Rule interface {
	RuleKind() OrderKind
}

// EntryRule opens the position once the market price satisfies Op against
// Price (>= for long breakouts, <= for short breakdowns).
type EntryRule struct {
	Op    CompareOp `json:"op"`
	Price float64   `json:"price"`
}

func (EntryRule) RuleKind() OrderKind { return KindEntry }

// InitialStopRule is a static protective stop at a fixed price.
type InitialStopRule struct {
	Price float64 `json:"price"`
}

func (InitialStopRule) RuleKind() OrderKind { return KindInitialStop }

// TrailingStopRule derives a dynamic stop from an indicator over the rolling
// price window, offset downwards (long) or upwards (short). For ATR the stop
// trails the last price by Multiplier * ATR.
type TrailingStopRule struct {
	Indicator  IndicatorKind `json:"indicator"`
	Lookback   int           `json:"lookback"`
	Offset     float64       `json:"offset,omitempty"`
	Multiplier float64       `json:"multiplier,omitempty"`
}

func (TrailingStopRule) RuleKind() OrderKind { return KindTrailingStop }

// TakeProfitRule closes the position at a fixed profit target.
type TakeProfitRule struct {
	Price float64 `json:"price"`
}

func (TakeProfitRule) RuleKind() OrderKind { return KindTakeProfit }

// ruleEnvelope is the persisted wire form: a kind tag plus the variant's own
// fields. Keeping the envelope private forces all encoding through
// MarshalRule/UnmarshalRule so the tag and payload cannot drift apart.
type ruleEnvelope struct {
	Kind OrderKind       `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// MarshalRule encodes a rule into its tagged JSON envelope.
func MarshalRule(r Rule) ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	spec, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s rule: %w", r.RuleKind(), err)
	}
	return json.Marshal(ruleEnvelope{Kind: r.RuleKind(), Spec: spec})
}

// UnmarshalRule decodes a tagged JSON envelope back into its concrete rule
// variant. Unknown kinds are refused rather than silently dropped.
func UnmarshalRule(data []byte) (Rule, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env ruleEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode rule envelope: %w", err)
	}
	var r Rule
	switch env.Kind {
	case KindEntry:
		v := EntryRule{}
		if err := json.Unmarshal(env.Spec, &v); err != nil {
			return nil, fmt.Errorf("failed to decode entry rule: %w", err)
		}
		r = v
	case KindInitialStop:
		v := InitialStopRule{}
		if err := json.Unmarshal(env.Spec, &v); err != nil {
			return nil, fmt.Errorf("failed to decode initial stop rule: %w", err)
		}
		r = v
	case KindTrailingStop:
		v := TrailingStopRule{}
		if err := json.Unmarshal(env.Spec, &v); err != nil {
			return nil, fmt.Errorf("failed to decode trailing stop rule: %w", err)
		}
		r = v
	case KindTakeProfit:
		v := TakeProfitRule{}
		if err := json.Unmarshal(env.Spec, &v); err != nil {
			return nil, fmt.Errorf("failed to decode take profit rule: %w", err)
		}
		r = v
	default:
		return nil, fmt.Errorf("unknown rule kind %q", env.Kind)
	}
	return r, nil
}
