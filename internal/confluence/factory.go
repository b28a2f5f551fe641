// Package confluence builds candidate strategic signals from detector
// output, applies context filters, and pairs signals across the two
// tracked instruments.
package confluence

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/lifecycle"
	"tapeflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// compatibleSetups pairs setup kinds considered confluent across instruments.
var compatibleSetups = map[model.SetupType][]model.SetupType{
	model.SetupReversalSlow:      {model.SetupReversalSlow, model.SetupDivergence},
	model.SetupReversalViolent:   {model.SetupReversalViolent, model.SetupReversalSlow},
	model.SetupBreakoutIgnition:  {model.SetupBreakoutIgnition, model.SetupPullbackRejection},
	model.SetupPullbackRejection: {model.SetupPullbackRejection, model.SetupBreakoutIgnition},
	model.SetupDivergence:        {model.SetupDivergence, model.SetupReversalSlow},
}

// RegimeProvider supplies the current regime classification for a symbol.
type RegimeProvider interface {
	RegimeSummary(symbol string) model.RegimeSummary
}

// ProposeRequest is a candidate signal from a detector.
type ProposeRequest struct {
	SetupType  model.SetupType
	Symbol     string
	Direction  model.Side
	EntryPrice float64
	StopLoss   float64
	Targets    []float64
	Confidence float64
	Factors    []string
	Details    map[string]any
	Source     model.SignalSource
}

// Stats counts factory outcomes since startup.
type Stats struct {
	SignalsCreated      int `json:"signalsCreated"`
	SignalsFiltered     int `json:"signalsFiltered"`
	ConfluenceMatches   int `json:"confluenceMatches"`
	ConfluenceConflicts int `json:"confluenceConflicts"`
	SignalsExecuted     int `json:"signalsExecuted"`
	PendingConfluence   int `json:"pendingConfluence"`
}

type pendingSlot struct {
	signal *model.StrategicSignal
	at     time.Time
}

type confluenceResult struct {
	status  model.ConflictStatus
	matched bool
	reason  string
}

// Factory coordinates the full flow from detector proposal to a signal
// registered with the lifecycle manager.
type Factory struct {
	eventBus  *bus.Bus
	lifecycle *lifecycle.Manager
	regimes   RegimeProvider
	filters   *ContextFilters
	cfg       config.ConfluenceConfig
	logger    *zap.Logger

	symbolA string
	symbolB string

	mu       sync.Mutex
	pending  map[string]pendingSlot // one slot per symbol
	snapshot *model.MarketSnapshot
	stats    Stats

	now func() time.Time
}

// NewFactory creates a signal factory for the two configured instruments.
func NewFactory(
	eventBus *bus.Bus,
	lm *lifecycle.Manager,
	regimes RegimeProvider,
	cfg config.ConfluenceConfig,
	symbols [2]string,
	logger *zap.Logger,
) *Factory {
	f := &Factory{
		eventBus:  eventBus,
		lifecycle: lm,
		regimes:   regimes,
		filters:   NewContextFilters(),
		cfg:       cfg,
		logger:    logger,
		symbolA:   symbols[0],
		symbolB:   symbols[1],
		pending:   make(map[string]pendingSlot),
		now:       time.Now,
	}

	eventBus.Subscribe(bus.TopicMarketDataUpdated, f.handleMarketUpdate)
	eventBus.Subscribe(bus.TopicSignalStateChanged, f.handleStateChanged)

	return f
}

// Propose runs the full admission pipeline for a candidate signal.
// It returns nil when any stage rejects the candidate.
func (f *Factory) Propose(req ProposeRequest) *model.StrategicSignal {
	risk := abs(req.EntryPrice - req.StopLoss)
	reward := risk
	if len(req.Targets) > 0 {
		reward = abs(req.Targets[0] - req.EntryPrice)
	}
	riskReward := 0.0
	if risk > 0 {
		riskReward = reward / risk
	}

	signal := &model.StrategicSignal{
		ID:                uuid.NewString(),
		Timestamp:         f.now(),
		Symbol:            req.Symbol,
		SetupType:         req.SetupType,
		Direction:         req.Direction,
		State:             model.StatePending,
		EntryPrice:        req.EntryPrice,
		EntryType:         entryTypeFor(req.SetupType),
		StopLoss:          req.StopLoss,
		Targets:           req.Targets,
		Confidence:        req.Confidence,
		RiskReward:        riskReward,
		ConflictStatus:    model.NoConflict,
		ConfluenceFactors: append([]string(nil), req.Factors...),
		SetupDetails:      req.Details,
		CreatedBy:         string(req.Source),
	}

	outcome := f.filters.ApplyAll(signal, f.buildContext(req.Symbol))
	if !outcome.Passed {
		f.mu.Lock()
		f.stats.SignalsFiltered++
		f.mu.Unlock()

		f.logger.Info("signal_filtered",
			zap.String("setup", string(req.SetupType)),
			zap.String("symbol", req.Symbol),
			zap.String("recommendation", outcome.Recommendation),
		)
		f.emitManipulationWarning(signal, outcome)
		return nil
	}

	signal.Confidence = clamp(signal.Confidence*outcome.ConfidenceMultiplier, 0, 1)
	f.applyAdjustments(signal, outcome.Adjustments)

	result := f.checkConfluence(signal)
	signal.ConflictStatus = result.status

	switch result.status {
	case model.NoConflict:
		if result.matched {
			signal.Confidence = clamp(signal.Confidence+f.cfg.ConfidenceBoost, 0, 1)
			f.mu.Lock()
			f.stats.ConfluenceMatches++
			f.mu.Unlock()
		}
	case model.MajorConflict:
		signal.Confidence = clamp(signal.Confidence*(1-f.cfg.ConfidencePenalty), 0, 1)
		f.mu.Lock()
		f.stats.ConfluenceConflicts++
		f.mu.Unlock()
		if signal.Confidence < 0.5 {
			f.logger.Info("signal_filtered_by_conflict",
				zap.String("symbol", req.Symbol),
				zap.String("reason", result.reason),
				zap.Float64("confidence", signal.Confidence),
			)
			return nil
		}
	}

	for i, w := range outcome.Warnings {
		if i == 2 {
			break
		}
		signal.ConfluenceFactors = append(signal.ConfluenceFactors, "warn: "+w)
	}

	if !f.lifecycle.Create(signal) {
		return nil
	}

	f.mu.Lock()
	f.stats.SignalsCreated++
	f.mu.Unlock()

	f.emitDisplaySignal(signal, req)

	return signal
}

// buildContext assembles filter context from the last snapshot and the
// regime provider. A missing book leaves the manipulation check skipped.
func (f *Factory) buildContext(symbol string) Context {
	ctx := Context{}

	f.mu.Lock()
	snap := f.snapshot
	f.mu.Unlock()

	if snap != nil {
		if data, ok := snap.Data[symbol]; ok && len(data.Book.Bids)+len(data.Book.Asks) > 0 {
			book := data.Book
			ctx.Book = &book
		}
	}
	if f.regimes != nil {
		ctx.Regime = f.regimes.RegimeSummary(symbol)
	}
	return ctx
}

// checkConfluence pairs the candidate against the other instrument's
// pending slot. The partner slot is consumed on every comparison, even
// when the result is a conflict; only one symbol completes a pairing per
// cycle.
func (f *Factory) checkConfluence(signal *model.StrategicSignal) confluenceResult {
	other := f.otherSymbol(signal.Symbol)
	now := f.now()
	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second

	f.mu.Lock()
	defer f.mu.Unlock()

	if slot, ok := f.pending[other]; ok {
		if now.Sub(slot.at) > timeout {
			// Stale partner: discard and wait for a fresh pair.
			delete(f.pending, other)
		} else {
			delete(f.pending, other)
			return f.analyzeConfluence(signal, slot.signal)
		}
	}

	f.pending[signal.Symbol] = pendingSlot{signal: signal, at: now}
	return confluenceResult{status: model.NoConflict, reason: "waiting for pair"}
}

// analyzeConfluence compares two paired candidates.
func (f *Factory) analyzeConfluence(a, b *model.StrategicSignal) confluenceResult {
	if a.Direction != b.Direction {
		return confluenceResult{
			status:  model.MajorConflict,
			matched: true,
			reason:  "opposite directions",
		}
	}

	avg := (a.EntryPrice + b.EntryPrice) / 2
	divergence := 0.0
	if avg > 0 {
		divergence = abs(a.EntryPrice-b.EntryPrice) / avg
	}
	if divergence > f.cfg.MaxPriceDivergence {
		return confluenceResult{
			status:  model.MinorConflict,
			matched: true,
			reason:  fmt.Sprintf("price divergence %.3f%%", divergence*100),
		}
	}

	if !setupsCompatible(a.SetupType, b.SetupType) {
		return confluenceResult{
			status:  model.MinorConflict,
			matched: true,
			reason:  "incompatible setups",
		}
	}

	skew := a.Timestamp.Sub(b.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > time.Duration(f.cfg.MaxTimeSkewSeconds)*time.Second {
		return confluenceResult{
			status:  model.MinorConflict,
			matched: true,
			reason:  "signals skewed in time",
		}
	}

	return confluenceResult{status: model.NoConflict, matched: true, reason: "perfect match"}
}

// applyAdjustments mutates stop distance and entry type per filter output.
func (f *Factory) applyAdjustments(signal *model.StrategicSignal, adj Adjustments) {
	dist := abs(signal.EntryPrice - signal.StopLoss)
	factor := 0.0
	if adj.WidenStop > 0 {
		factor = adj.WidenStop
	} else if adj.TightenStop > 0 {
		factor = adj.TightenStop
	}
	if factor > 0 {
		dist *= factor
		if signal.Direction == model.SideBuy {
			signal.StopLoss = signal.EntryPrice - dist
		} else {
			signal.StopLoss = signal.EntryPrice + dist
		}
	}

	if adj.UseLimitOrders && signal.EntryType == model.EntryMarket {
		signal.EntryType = model.EntryLimit
	}
	if adj.ReduceSize > 0 {
		if signal.SetupDetails == nil {
			signal.SetupDetails = make(map[string]any)
		}
		signal.SetupDetails["size_factor"] = adj.ReduceSize
	}
}

// emitDisplaySignal publishes the created signal for evaluation/display.
func (f *Factory) emitDisplaySignal(signal *model.StrategicSignal, req ProposeRequest) {
	source := req.Source
	if source == "" {
		source = model.SourceStrategic
	}

	level := model.LevelWarning
	if signal.Confidence >= 0.7 {
		level = model.LevelAlert
	}

	details := map[string]any{
		"strategic_signal_id": signal.ID,
		"setup_type":          string(signal.SetupType),
		"symbol":              signal.Symbol,
		"direction":           string(signal.Direction),
		"confidence":          signal.Confidence,
		"entry":               signal.EntryPrice,
		"stop":                signal.StopLoss,
		"targets":             signal.Targets,
	}
	for k, v := range req.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}

	f.eventBus.Publish(bus.TopicSignalGenerated, model.Signal{
		Source: source,
		Level:  level,
		Symbol: signal.Symbol,
		Message: fmt.Sprintf("SETUP %s - %s @ %.2f [%d%%] RR %.1f:1",
			signal.SetupType, signal.Direction, signal.EntryPrice,
			int(signal.Confidence*100), signal.RiskReward),
		Details: details,
		Time:    f.now(),
	})
}

// emitManipulationWarning publishes a block notice when filters rejected
// for suspected manipulation.
func (f *Factory) emitManipulationWarning(signal *model.StrategicSignal, outcome FilterOutcome) {
	var manip []string
	for _, w := range outcome.Warnings {
		if strings.Contains(w, "book") || strings.Contains(w, "uniform") {
			manip = append(manip, w)
		}
	}
	if len(manip) == 0 {
		return
	}

	f.eventBus.Publish(bus.TopicManipulation, bus.ManipulationDetected{
		Symbol:   signal.Symbol,
		Warnings: manip,
	})
	f.eventBus.Publish(bus.TopicSignalGenerated, model.Signal{
		Source:  model.SourceDivergence,
		Level:   model.LevelWarning,
		Symbol:  signal.Symbol,
		Message: fmt.Sprintf("setup %s blocked - possible manipulation on %s", signal.SetupType, signal.Symbol),
		Details: map[string]any{
			"blocked_setup": string(signal.SetupType),
			"symbol":        signal.Symbol,
			"warnings":      manip,
		},
		Time: f.now(),
	})
}

// handleMarketUpdate caches the latest snapshot and drops stale slots so
// a third candidate never pairs against data older than the timeout.
func (f *Factory) handleMarketUpdate(data any) {
	update, ok := data.(bus.MarketDataUpdated)
	if !ok {
		return
	}

	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second
	now := f.now()

	f.mu.Lock()
	f.snapshot = update.Snapshot
	for symbol, slot := range f.pending {
		if now.Sub(slot.at) > timeout {
			delete(f.pending, symbol)
		}
	}
	f.mu.Unlock()
}

func (f *Factory) handleStateChanged(data any) {
	change, ok := data.(bus.SignalStateChanged)
	if !ok {
		return
	}
	if change.NewState == model.StateExecuted {
		f.mu.Lock()
		f.stats.SignalsExecuted++
		f.mu.Unlock()
	}
}

// Statistics returns a snapshot of factory counters.
func (f *Factory) Statistics() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.stats
	stats.PendingConfluence = len(f.pending)
	return stats
}

// SetNow overrides the clock source, used by tests.
func (f *Factory) SetNow(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *Factory) otherSymbol(symbol string) string {
	if symbol == f.symbolA {
		return f.symbolB
	}
	return f.symbolA
}

func entryTypeFor(setup model.SetupType) model.EntryType {
	switch setup {
	case model.SetupReversalViolent:
		return model.EntryMarket
	case model.SetupReversalSlow, model.SetupPullbackRejection:
		return model.EntryLimit
	case model.SetupBreakoutIgnition:
		return model.EntryStop
	default:
		return model.EntryAdaptive
	}
}

func setupsCompatible(a, b model.SetupType) bool {
	for _, c := range compatibleSetups[a] {
		if c == b {
			return true
		}
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
