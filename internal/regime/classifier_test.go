package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"tapeflow/internal/bus"
	"tapeflow/internal/model"
)

func feedPrices(eventBus *bus.Bus, symbol string, prices []float64) {
	for _, price := range prices {
		eventBus.Publish(bus.TopicMarketDataUpdated, bus.MarketDataUpdated{
			Snapshot: &model.MarketSnapshot{
				Data: map[string]*model.SymbolData{
					symbol: {Symbol: symbol, LastPrice: price},
				},
			},
		})
	}
}

func TestUnknownSymbolIsNeutral(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	summary := c.RegimeSummary("WDO")
	assert.Equal(t, model.RegimeRanging, summary.Regime)
	assert.Zero(t, summary.Confidence)
	assert.Empty(t, string(summary.Volatility), "no volatility call without history")
}

func TestSteadyClimbIsTrendingUp(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 5000 + float64(i)*0.5
	}
	feedPrices(eventBus, "WDO", prices)

	summary := c.RegimeSummary("WDO")
	assert.Equal(t, model.RegimeTrendingUp, summary.Regime)
	assert.Greater(t, summary.Confidence, 0.5)
}

func TestSteadyDropIsTrendingDown(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 5000 - float64(i)*0.5
	}
	feedPrices(eventBus, "WDO", prices)

	assert.Equal(t, model.RegimeTrendingDown, c.RegimeSummary("WDO").Regime)
}

func TestFlatTapeIsRangingLowVolatility(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	prices := make([]float64, 30)
	for i := range prices {
		prices[i] = 5000
	}
	feedPrices(eventBus, "WDO", prices)

	summary := c.RegimeSummary("WDO")
	assert.Equal(t, model.RegimeRanging, summary.Regime)
	assert.Equal(t, model.VolatilityLow, summary.Volatility)
}

func TestWhipsawIsVolatileRegime(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	prices := make([]float64, 40)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 5000
		} else {
			prices[i] = 5006
		}
	}
	feedPrices(eventBus, "WDO", prices)

	summary := c.RegimeSummary("WDO")
	assert.Equal(t, model.RegimeVolatile, summary.Regime)
	assert.Equal(t, model.VolatilityExtreme, summary.Volatility)
}

func TestLiquidityFollowsBookDepth(t *testing.T) {
	eventBus := bus.New(zap.NewNop())
	c := NewClassifier(eventBus, zap.NewNop())

	book := model.OrderBook{Symbol: "WDO"}
	for i := 0; i < 5; i++ {
		book.Bids = append(book.Bids, model.BookLevel{Price: 4999, Volume: 2})
		book.Asks = append(book.Asks, model.BookLevel{Price: 5001, Volume: 2})
	}
	for i := 0; i < 30; i++ {
		eventBus.Publish(bus.TopicMarketDataUpdated, bus.MarketDataUpdated{
			Snapshot: &model.MarketSnapshot{
				Data: map[string]*model.SymbolData{
					"WDO": {Symbol: "WDO", LastPrice: 5000, Book: book},
				},
			},
		})
	}

	assert.Equal(t, model.LiquidityThin, c.RegimeSummary("WDO").Liquidity)
}
