// Package feed produces market snapshots. The simulated provider drives
// the whole pipeline with a correlated two-instrument random walk, which
// stands in for a real tape connection.
package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/model"

	"go.uber.org/zap"
)

const (
	bookLevels    = 5
	tickSize      = 0.5
	correlation   = 0.92 // second instrument follows the first this tightly
	baseCycleVol  = 10.0
	spikeChance   = 0.02
	spikeVolScale = 6.0
)

// Simulator publishes one MarketSnapshot per polling interval for the
// two configured symbols.
type Simulator struct {
	eventBus *bus.Bus
	cfg      config.FeedConfig
	logger   *zap.Logger

	rng    *rand.Rand
	prices map[string]float64
	now    func() time.Time
}

// NewSimulator seeds the walk. A zero seed falls back to wall time.
func NewSimulator(eventBus *bus.Bus, cfg config.FeedConfig, logger *zap.Logger) *Simulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	prices := make(map[string]float64, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		prices[symbol] = cfg.BasePrice
	}

	return &Simulator{
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewSource(seed)),
		prices:   prices,
		now:      time.Now,
	}
}

// Run publishes snapshots until the context is canceled.
func (s *Simulator) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("feed_started",
		zap.Strings("symbols", s.cfg.Symbols),
		zap.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed_stopped")
			return ctx.Err()
		case <-ticker.C:
			s.eventBus.Publish(bus.TopicMarketDataUpdated, bus.MarketDataUpdated{
				Snapshot: s.Step(),
			})
		}
	}
}

// Step advances the walk one cycle and builds the snapshot.
func (s *Simulator) Step() *model.MarketSnapshot {
	now := s.now()
	snapshot := &model.MarketSnapshot{
		Data: make(map[string]*model.SymbolData, len(s.cfg.Symbols)),
		Time: now,
	}

	// The first symbol leads, the second follows with residual noise.
	leadMove := s.rng.NormFloat64() * tickSize
	if s.rng.Float64() < spikeChance {
		leadMove *= spikeVolScale
	}

	for i, symbol := range s.cfg.Symbols {
		move := leadMove
		if i > 0 {
			move = leadMove*correlation + s.rng.NormFloat64()*tickSize*(1-correlation)
		}
		price := roundTick(s.prices[symbol] + move)
		if price <= 0 {
			price = s.cfg.BasePrice
		}
		s.prices[symbol] = price

		volume := baseCycleVol * (0.5 + s.rng.Float64())
		if math.Abs(move) > tickSize*3 {
			volume *= spikeVolScale
		}

		snapshot.Data[symbol] = &model.SymbolData{
			Symbol:      symbol,
			Trades:      s.trades(symbol, price, move, volume, now),
			Book:        s.book(symbol, price, now),
			LastPrice:   price,
			TotalVolume: volume,
		}
	}

	return snapshot
}

// trades splits the cycle volume into a handful of prints, leaning the
// aggressor side with the move direction.
func (s *Simulator) trades(symbol string, price, move, volume float64, now time.Time) []model.Trade {
	count := 2 + s.rng.Intn(4)
	trades := make([]model.Trade, 0, count)
	remaining := volume
	buyBias := 0.5 + clampF(move/tickSize*0.15, -0.35, 0.35)

	for i := 0; i < count; i++ {
		side := model.SideSell
		if s.rng.Float64() < buyBias {
			side = model.SideBuy
		}
		tradeVolume := remaining / float64(count-i)
		remaining -= tradeVolume
		trades = append(trades, model.Trade{
			Symbol: symbol,
			Price:  roundTick(price + s.rng.NormFloat64()*tickSize*0.5),
			Volume: tradeVolume,
			Side:   side,
			Time:   now,
		})
	}
	return trades
}

// book builds a five-level ladder around price with noisy depth.
func (s *Simulator) book(symbol string, price float64, now time.Time) model.OrderBook {
	book := model.OrderBook{Symbol: symbol, Time: now}
	for i := 1; i <= bookLevels; i++ {
		depth := 10 + s.rng.Float64()*40
		book.Bids = append(book.Bids, model.BookLevel{
			Price:  roundTick(price - float64(i)*tickSize),
			Volume: depth,
		})
		depth = 10 + s.rng.Float64()*40
		book.Asks = append(book.Asks, model.BookLevel{
			Price:  roundTick(price + float64(i)*tickSize),
			Volume: depth,
		})
	}
	return book
}

func roundTick(price float64) float64 {
	return math.Round(price/tickSize) * tickSize
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
