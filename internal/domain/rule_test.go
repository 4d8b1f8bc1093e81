package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{"entry with operator", EntryRule{Op: GTE, Price: 100.5}},
		{"initial stop", InitialStopRule{Price: 95}},
		{"trailing stop ema", TrailingStopRule{Indicator: IndicatorEMA, Lookback: 20, Offset: 1.5}},
		{"trailing stop atr", TrailingStopRule{Indicator: IndicatorATR, Lookback: 14, Multiplier: 2.0}},
		{"take profit", TakeProfitRule{Price: 120}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalRule(tt.rule)
			require.NoError(t, err)

			decoded, err := UnmarshalRule(data)
			require.NoError(t, err)
			assert.Equal(t, tt.rule, decoded)
			assert.Equal(t, tt.rule.RuleKind(), decoded.RuleKind())
		})
	}
}

func TestUnmarshalRuleRefusesUnknownKind(t *testing.T) {
	_, err := UnmarshalRule([]byte(`{"kind":"iceberg","spec":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rule kind")
}

func TestMarshalNilRule(t *testing.T) {
	data, err := MarshalRule(nil)
	require.NoError(t, err)

	decoded, err := UnmarshalRule(data)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}
