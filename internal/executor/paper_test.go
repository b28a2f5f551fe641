package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/lifecycle"
	"tapeflow/internal/model"
)

func newTestExecutor(t *testing.T) (*lifecycle.Manager, *bus.Bus) {
	t.Helper()
	eventBus := bus.New(zap.NewNop())
	lm := lifecycle.New(eventBus, config.Default().Lifecycle, 10.0, zap.NewNop())
	NewPaper(eventBus, lm, []string{"WDO", "DOL"}, zap.NewNop())
	return lm, eventBus
}

func activeSignal(t *testing.T, lm *lifecycle.Manager, id string, entryType model.EntryType, direction model.Side) *model.StrategicSignal {
	t.Helper()
	sig := &model.StrategicSignal{
		ID:         id,
		Symbol:     "WDO",
		SetupType:  model.SetupReversalSlow,
		Direction:  direction,
		EntryPrice: 5000,
		EntryType:  entryType,
		StopLoss:   4990,
		Targets:    []float64{5020},
		Confidence: 0.65,
	}
	if direction == model.SideSell {
		sig.StopLoss = 5010
		sig.Targets = []float64{4980}
	}
	require.True(t, lm.Create(sig))
	require.True(t, lm.Transition(id, model.StateActive))
	return sig
}

func publishTick(eventBus *bus.Bus, price float64) {
	eventBus.Publish(bus.TopicMarketDataUpdated, bus.MarketDataUpdated{
		Snapshot: &model.MarketSnapshot{
			Data: map[string]*model.SymbolData{
				"WDO": {Symbol: "WDO", LastPrice: price},
			},
		},
	})
}

func TestLimitBuyFillsAtOrBelowEntry(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "limit-buy", model.EntryLimit, model.SideBuy)

	publishTick(eventBus, 5003)
	assert.Equal(t, model.StateActive, sig.State, "above entry does not fill a buy limit")

	publishTick(eventBus, 4999)
	assert.Equal(t, model.StateExecuted, sig.State)
	assert.Equal(t, 4999.0, sig.ExecutionPrice)
}

func TestStopBuyFillsAtOrAboveEntry(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "stop-buy", model.EntryStop, model.SideBuy)

	publishTick(eventBus, 4999)
	assert.Equal(t, model.StateActive, sig.State)

	publishTick(eventBus, 5001)
	assert.Equal(t, model.StateExecuted, sig.State)
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "market", model.EntryMarket, model.SideSell)

	publishTick(eventBus, 5042)
	assert.Equal(t, model.StateExecuted, sig.State)
	assert.Equal(t, 5042.0, sig.ExecutionPrice)
}

func TestAdaptiveFillsNearEntry(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "adaptive", model.EntryAdaptive, model.SideBuy)

	publishTick(eventBus, 5005)
	assert.Equal(t, model.StateActive, sig.State)

	publishTick(eventBus, 5000.5)
	assert.Equal(t, model.StateExecuted, sig.State)
}

func TestPendingSignalsDoNotFill(t *testing.T) {
	lm, eventBus := newTestExecutor(t)

	sig := &model.StrategicSignal{
		ID:         "pending",
		Symbol:     "WDO",
		SetupType:  model.SetupReversalSlow,
		Direction:  model.SideBuy,
		EntryPrice: 5000,
		EntryType:  model.EntryMarket,
		StopLoss:   4990,
	}
	require.True(t, lm.Create(sig))

	publishTick(eventBus, 5000)
	assert.Equal(t, model.StatePending, sig.State)
}

func TestPositionStopFeedsBackIntoLifecycle(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "feedback", model.EntryMarket, model.SideBuy)

	publishTick(eventBus, 5000)
	require.Equal(t, model.StateExecuted, sig.State)

	eventBus.Publish(bus.TopicPositionClosed, bus.PositionClosed{
		Position: &model.Position{
			ID:        "pos",
			SignalID:  "feedback",
			Symbol:    "WDO",
			ExitPrice: 4990,
		},
		Reason: "STOP_LOSS",
		PnL:    -100,
	})

	assert.Equal(t, model.StateStopped, sig.State)
	assert.Equal(t, 4990.0, sig.ExitPrice)
}

func TestProtectiveCloseLeavesSignalState(t *testing.T) {
	lm, eventBus := newTestExecutor(t)
	sig := activeSignal(t, lm, "protective", model.EntryMarket, model.SideBuy)

	publishTick(eventBus, 5000)
	require.Equal(t, model.StateExecuted, sig.State)

	eventBus.Publish(bus.TopicPositionClosed, bus.PositionClosed{
		Position: &model.Position{SignalID: "protective", Symbol: "WDO", ExitPrice: 4998},
		Reason:   "MULTIPLE_WARNINGS",
		PnL:      -20,
	})

	assert.Equal(t, model.StateExecuted, sig.State)
}
