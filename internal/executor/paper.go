// Package executor simulates order handling. Active signals fill
// against the tape according to their entry type, and closed positions
// feed their outcome back into the signal lifecycle.
package executor

import (
	"strings"

	"tapeflow/internal/bus"
	"tapeflow/internal/lifecycle"
	"tapeflow/internal/model"
	"tapeflow/internal/position"

	"go.uber.org/zap"
)

const adaptiveTolerance = 1.0 // price distance treated as touched

// Paper fills signals without a broker. It reacts to market snapshots
// for entries and to position closes for exits.
type Paper struct {
	lifecycle *lifecycle.Manager
	symbols   []string
	logger    *zap.Logger
}

// NewPaper creates the executor and subscribes it to the bus.
func NewPaper(eventBus *bus.Bus, lm *lifecycle.Manager, symbols []string, logger *zap.Logger) *Paper {
	p := &Paper{
		lifecycle: lm,
		symbols:   symbols,
		logger:    logger,
	}
	eventBus.Subscribe(bus.TopicMarketDataUpdated, p.handleMarketUpdate)
	eventBus.Subscribe(bus.TopicPositionClosed, p.handlePositionClosed)
	return p
}

// handleMarketUpdate fills any active signal whose entry condition the
// latest price satisfies.
func (p *Paper) handleMarketUpdate(data any) {
	update, ok := data.(bus.MarketDataUpdated)
	if !ok || update.Snapshot == nil {
		return
	}

	for _, symbol := range p.symbols {
		symbolData, ok := update.Snapshot.Data[symbol]
		if !ok || symbolData.LastPrice <= 0 {
			continue
		}
		price := symbolData.LastPrice

		for _, signal := range p.lifecycle.ActiveSignals(symbol) {
			if !filled(signal, price) {
				continue
			}
			if p.lifecycle.Transition(signal.ID, model.StateExecuted, lifecycle.WithExecutionPrice(price)) {
				p.logger.Info("order_filled",
					zap.String("signal_id", signal.ID),
					zap.String("symbol", symbol),
					zap.String("entry_type", string(signal.EntryType)),
					zap.Float64("price", price),
				)
			}
		}
	}
}

// handlePositionClosed mirrors a position outcome onto its signal.
func (p *Paper) handlePositionClosed(data any) {
	closed, ok := data.(bus.PositionClosed)
	if !ok || closed.Position == nil {
		return
	}

	var target model.SignalState
	switch {
	case closed.Reason == position.ReasonStopLoss:
		target = model.StateStopped
	case strings.HasPrefix(closed.Reason, "TARGET"):
		target = model.StateTargetHit
	default:
		// Protective closes leave the signal where the lifecycle put it.
		return
	}

	p.lifecycle.Transition(closed.Position.SignalID, target,
		lifecycle.WithExitPrice(closed.Position.ExitPrice))
}

// filled applies the entry-type fill rule at the given trade price.
func filled(signal *model.StrategicSignal, price float64) bool {
	switch signal.EntryType {
	case model.EntryMarket:
		return true
	case model.EntryLimit:
		if signal.Direction == model.SideBuy {
			return price <= signal.EntryPrice
		}
		return price >= signal.EntryPrice
	case model.EntryStop:
		if signal.Direction == model.SideBuy {
			return price >= signal.EntryPrice
		}
		return price <= signal.EntryPrice
	case model.EntryAdaptive:
		diff := price - signal.EntryPrice
		if diff < 0 {
			diff = -diff
		}
		return diff <= adaptiveTolerance
	default:
		return false
	}
}
