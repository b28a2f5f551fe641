// Package regime classifies per-symbol market behavior from recent
// trades and book depth. The summary it produces feeds the signal
// context filters.
package regime

import (
	"math"
	"sync"

	"tapeflow/internal/bus"
	"tapeflow/internal/model"

	"go.uber.org/zap"
)

const (
	priceHistorySize = 120 // polling cycles retained per symbol
	minSamples       = 20  // below this the classifier stays neutral

	trendThreshold = 0.0004 // net move over window, fraction of price

	volLowThreshold     = 0.00008
	volHighThreshold    = 0.00030
	volExtremeThreshold = 0.00060

	thinBookVolume = 50.0
	deepBookVolume = 400.0
)

type symbolHistory struct {
	prices []float64
	depth  float64 // latest top-5 bid+ask volume
}

// Classifier maintains rolling per-symbol state from market snapshots.
type Classifier struct {
	logger *zap.Logger

	mu      sync.Mutex
	symbols map[string]*symbolHistory
}

// NewClassifier creates the classifier and subscribes it to snapshots.
func NewClassifier(eventBus *bus.Bus, logger *zap.Logger) *Classifier {
	c := &Classifier{
		logger:  logger,
		symbols: make(map[string]*symbolHistory),
	}
	eventBus.Subscribe(bus.TopicMarketDataUpdated, c.handleMarketUpdate)
	return c
}

func (c *Classifier) handleMarketUpdate(data any) {
	update, ok := data.(bus.MarketDataUpdated)
	if !ok || update.Snapshot == nil {
		return
	}

	c.mu.Lock()
	for symbol, symbolData := range update.Snapshot.Data {
		if symbolData.LastPrice <= 0 {
			continue
		}
		hist, ok := c.symbols[symbol]
		if !ok {
			hist = &symbolHistory{}
			c.symbols[symbol] = hist
		}
		hist.prices = append(hist.prices, symbolData.LastPrice)
		if len(hist.prices) > priceHistorySize {
			hist.prices = hist.prices[len(hist.prices)-priceHistorySize:]
		}
		hist.depth = model.TopVolume(symbolData.Book.Bids, 5) + model.TopVolume(symbolData.Book.Asks, 5)
	}
	c.mu.Unlock()
}

// RegimeSummary returns the current classification for a symbol. With
// too little history it reports a neutral ranging regime at zero
// confidence so downstream filters skip regime-dependent checks.
func (c *Classifier) RegimeSummary(symbol string) model.RegimeSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist, ok := c.symbols[symbol]
	if !ok || len(hist.prices) < minSamples {
		return model.RegimeSummary{Regime: model.RegimeRanging}
	}

	vol := realizedVolatility(hist.prices)
	trend := netMove(hist.prices)

	summary := model.RegimeSummary{
		Volatility: volatilityBucket(vol),
		Liquidity:  liquidityBucket(hist.depth),
	}

	switch {
	case summary.Volatility == model.VolatilityExtreme:
		summary.Regime = model.RegimeVolatile
		summary.Confidence = 0.9
	case trend > trendThreshold:
		summary.Regime = model.RegimeTrendingUp
		summary.Confidence = trendConfidence(trend)
	case trend < -trendThreshold:
		summary.Regime = model.RegimeTrendingDown
		summary.Confidence = trendConfidence(-trend)
	default:
		summary.Regime = model.RegimeRanging
		summary.Confidence = 0.6
	}

	return summary
}

// realizedVolatility is the standard deviation of tick-to-tick returns.
func realizedVolatility(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}

// netMove is the fractional price change over the retained window.
func netMove(prices []float64) float64 {
	first := prices[0]
	last := prices[len(prices)-1]
	if first <= 0 {
		return 0
	}
	return (last - first) / first
}

func trendConfidence(move float64) float64 {
	conf := 0.5 + move/trendThreshold*0.1
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func volatilityBucket(vol float64) model.VolatilityLevel {
	switch {
	case vol >= volExtremeThreshold:
		return model.VolatilityExtreme
	case vol >= volHighThreshold:
		return model.VolatilityHigh
	case vol < volLowThreshold:
		return model.VolatilityLow
	default:
		return model.VolatilityNormal
	}
}

func liquidityBucket(depth float64) model.LiquidityLevel {
	switch {
	case depth <= 0:
		return model.LiquidityNormal
	case depth < thinBookVolume:
		return model.LiquidityThin
	case depth > deepBookVolume:
		return model.LiquidityDeep
	default:
		return model.LiquidityNormal
	}
}
