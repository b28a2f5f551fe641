package confluence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapeflow/internal/model"
)

func validSignal() *model.StrategicSignal {
	return &model.StrategicSignal{
		ID:         "sig",
		Symbol:     "WDO",
		Direction:  model.SideBuy,
		EntryPrice: 5000,
		StopLoss:   4990,
		Targets:    []float64{5020},
		RiskReward: 2.0,
		Confidence: 0.65,
	}
}

func TestApplyAllWithNoContextPassesOnBasicChecks(t *testing.T) {
	filters := NewContextFilters()

	outcome := filters.ApplyAll(validSignal(), Context{})

	assert.True(t, outcome.Passed)
	assert.Equal(t, 1.0, outcome.FinalScore)
	assert.Equal(t, 1.0, outcome.ConfidenceMultiplier)
	assert.Empty(t, outcome.Warnings)
}

func TestApplyAllRejectsInvalidPrices(t *testing.T) {
	filters := NewContextFilters()

	sig := validSignal()
	sig.StopLoss = 0
	outcome := filters.ApplyAll(sig, Context{})

	assert.False(t, outcome.Passed)
	assert.Equal(t, 0.5, outcome.ConfidenceMultiplier)
	assert.Contains(t, outcome.Recommendation, "SKIP")
}

func TestApplyAllWarnsOnWeakRiskReward(t *testing.T) {
	filters := NewContextFilters()

	sig := validSignal()
	sig.RiskReward = 0.5
	outcome := filters.ApplyAll(sig, Context{})

	assert.True(t, outcome.Passed)
	require.Len(t, outcome.Warnings, 1)
	assert.Contains(t, outcome.Warnings[0], "risk/reward")
}

func TestImbalancedBookReducesScoreAndSize(t *testing.T) {
	filters := NewContextFilters()

	book := &model.OrderBook{Symbol: "WDO"}
	for i := 0; i < 5; i++ {
		book.Bids = append(book.Bids, model.BookLevel{Price: 4999 - float64(i), Volume: 100 + float64(i)})
		book.Asks = append(book.Asks, model.BookLevel{Price: 5001 + float64(i), Volume: 10 + float64(i)})
	}

	outcome := filters.ApplyAll(validSignal(), Context{Book: book})

	assert.True(t, outcome.Passed, "imbalance degrades, does not reject")
	assert.Equal(t, 0.7, outcome.Adjustments.ReduceSize)
	assert.True(t, outcome.Adjustments.UseLimitOrders)
	require.NotEmpty(t, outcome.Warnings)
	assert.Contains(t, outcome.Warnings[0], "imbalanced")
}

func TestUniformBookLevelsFlagLayering(t *testing.T) {
	filters := NewContextFilters()

	book := &model.OrderBook{Symbol: "WDO"}
	for i := 0; i < 5; i++ {
		book.Bids = append(book.Bids, model.BookLevel{Price: 4999 - float64(i), Volume: 50})
		book.Asks = append(book.Asks, model.BookLevel{Price: 5001 + float64(i), Volume: 40 + float64(i)})
	}

	outcome := filters.ApplyAll(validSignal(), Context{Book: book})

	require.NotEmpty(t, outcome.Warnings)
	assert.Contains(t, outcome.Warnings[0], "uniform")
	assert.True(t, outcome.Adjustments.UseLimitOrders)
}

func TestVolatilityAdjustments(t *testing.T) {
	filters := NewContextFilters()

	high := filters.ApplyAll(validSignal(), Context{Regime: model.RegimeSummary{Volatility: model.VolatilityHigh}})
	assert.Equal(t, 1.3, high.Adjustments.WidenStop)
	assert.Equal(t, 0.8, high.Adjustments.ReduceSize)

	extreme := filters.ApplyAll(validSignal(), Context{Regime: model.RegimeSummary{Volatility: model.VolatilityExtreme}})
	assert.Equal(t, 1.5, extreme.Adjustments.WidenStop)
	assert.Equal(t, 0.6, extreme.Adjustments.ReduceSize)

	low := filters.ApplyAll(validSignal(), Context{Regime: model.RegimeSummary{Volatility: model.VolatilityLow}})
	assert.Equal(t, 0.8, low.Adjustments.TightenStop)
	assert.Zero(t, low.Adjustments.WidenStop)
}

func TestDisabledFiltersAlwaysPass(t *testing.T) {
	filters := NewContextFilters()
	filters.SetEnabled(false)

	sig := validSignal()
	sig.EntryPrice = -1
	outcome := filters.ApplyAll(sig, Context{})

	assert.True(t, outcome.Passed)
	assert.Equal(t, 1.0, outcome.ConfidenceMultiplier)
}
