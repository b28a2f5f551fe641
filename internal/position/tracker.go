// Package position tracks positions opened from executed strategic
// signals, marks them to market on every snapshot, and manages stops,
// targets and protective closes.
package position

import (
	"strings"
	"sync"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Close reasons recorded on exit.
const (
	ReasonStopLoss         = "STOP_LOSS"
	ReasonSignalStopped    = "SIGNAL_STOPPED"
	ReasonTargetHit        = "TARGET_HIT"
	ReasonSignalExpired    = "SIGNAL_EXPIRED"
	ReasonMultipleWarnings = "MULTIPLE_WARNINGS"
	ReasonEmergencyStop    = "EMERGENCY_STOP"
)

const closedHistorySize = 100

// Stats aggregates realized results since startup.
type Stats struct {
	Opened     int     `json:"opened"`
	Closed     int     `json:"closed"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	Stopped    int     `json:"stopped"`
	TargetsHit int     `json:"targetsHit"`
	TotalPnL   float64 `json:"totalPnl"`
}

// Summary is the daily roll-up exposed to status consumers.
type Summary struct {
	OpenPositions int     `json:"openPositions"`
	OpenPnL       float64 `json:"openPnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
	Wins          int     `json:"wins"`
	Losses        int     `json:"losses"`
	WinRate       float64 `json:"winRate"`
}

// Tracker reacts to lifecycle and market events. It opens a position
// when a signal executes and closes it on stop, target, expiry or a
// protective event.
type Tracker struct {
	eventBus *bus.Bus
	cfg      config.PositionConfig
	logger   *zap.Logger

	mu     sync.Mutex
	open   map[string]*model.Position // keyed by position ID
	closed []*model.Position
	stats  Stats

	now func() time.Time
}

// NewTracker creates the tracker and subscribes it to every event it
// reacts to.
func NewTracker(eventBus *bus.Bus, cfg config.PositionConfig, logger *zap.Logger) *Tracker {
	t := &Tracker{
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
		open:     make(map[string]*model.Position),
		now:      time.Now,
	}

	eventBus.Subscribe(bus.TopicSignalStateChanged, t.handleStateChanged)
	eventBus.Subscribe(bus.TopicSignalExpired, t.handleSignalExpired)
	eventBus.Subscribe(bus.TopicMarketDataUpdated, t.handleMarketUpdate)
	eventBus.Subscribe(bus.TopicDivergenceWarning, t.handleDivergenceWarning)
	eventBus.Subscribe(bus.TopicManipulation, t.handleManipulation)
	eventBus.Subscribe(bus.TopicRiskOverride, t.handleRiskOverride)

	return t
}

// handleStateChanged opens on execution and closes on terminal exits.
func (t *Tracker) handleStateChanged(data any) {
	change, ok := data.(bus.SignalStateChanged)
	if !ok || change.Signal == nil {
		return
	}

	switch change.NewState {
	case model.StateExecuted:
		t.openFromSignal(change.Signal)
	case model.StateStopped:
		t.closeBySignal(change.SignalID, change.Signal.ExitPrice, ReasonSignalStopped)
	case model.StateTargetHit:
		t.closeBySignal(change.SignalID, change.Signal.ExitPrice, ReasonTargetHit)
	}
}

// handleSignalExpired closes the expired signal's position only when it
// is losing. Winners keep running on their own stops.
func (t *Tracker) handleSignalExpired(data any) {
	expired, ok := data.(bus.SignalExpired)
	if !ok || expired.Signal == nil {
		return
	}

	t.mu.Lock()
	var victim *model.Position
	for _, pos := range t.open {
		if pos.SignalID == expired.Signal.ID && pos.PnL < 0 {
			victim = pos
			break
		}
	}
	var events []closeEvent
	if victim != nil {
		events = append(events, t.closeLocked(victim, victim.CurrentPrice, ReasonSignalExpired))
	}
	t.mu.Unlock()

	t.publishCloses(events)
}

// handleMarketUpdate marks every open position to the latest trade
// price and enforces stops, targets and the trailing stop.
func (t *Tracker) handleMarketUpdate(data any) {
	update, ok := data.(bus.MarketDataUpdated)
	if !ok || update.Snapshot == nil {
		return
	}

	t.mu.Lock()
	var events []closeEvent
	for _, pos := range t.open {
		symbolData, ok := update.Snapshot.Data[pos.Symbol]
		if !ok || symbolData.LastPrice <= 0 {
			continue
		}
		price := symbolData.LastPrice
		pos.UpdatePrice(price, t.cfg.PointValue)

		if pos.ShouldStop() {
			events = append(events, t.closeLocked(pos, pos.StopLoss, ReasonStopLoss))
			continue
		}
		if idx, hit := pos.CheckTargets(); hit {
			events = append(events, t.closeLocked(pos, pos.Targets[idx], targetReason(idx)))
			continue
		}
		t.trailStopLocked(pos, price)
	}
	t.mu.Unlock()

	t.publishCloses(events)
}

// handleDivergenceWarning warns positions whose direction the divergence
// threatens. A bullish divergence threatens shorts and vice versa. The
// second warning closes the position when auto-management is on.
func (t *Tracker) handleDivergenceWarning(data any) {
	warning, ok := data.(bus.DivergenceWarning)
	if !ok {
		return
	}

	threatened := model.SideSell
	if warning.Bias == bus.DivergenceBearish {
		threatened = model.SideBuy
	}

	t.mu.Lock()
	var events []closeEvent
	for _, pos := range t.open {
		if pos.Symbol != warning.Symbol || pos.Direction != threatened {
			continue
		}
		pos.Warnings = append(pos.Warnings, "DIVERGENCE_"+string(warning.Bias))
		t.logger.Warn("position_divergence_warning",
			zap.String("position_id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.Int("warning_count", len(pos.Warnings)),
		)
		if len(pos.Warnings) >= 2 && t.cfg.AutoManage {
			events = append(events, t.closeLocked(pos, pos.CurrentPrice, ReasonMultipleWarnings))
		}
	}
	t.mu.Unlock()

	t.publishCloses(events)
}

// handleManipulation flags every position on the symbol and tightens
// stops halfway to entry when auto-management is on.
func (t *Tracker) handleManipulation(data any) {
	manip, ok := data.(bus.ManipulationDetected)
	if !ok {
		return
	}

	t.mu.Lock()
	for _, pos := range t.open {
		if pos.Symbol != manip.Symbol {
			continue
		}
		pos.Warnings = append(pos.Warnings, "MANIPULATION_RISK")
		if t.cfg.AutoManage {
			t.tightenStopLocked(pos, 0.5)
		}
	}
	t.mu.Unlock()
}

// handleRiskOverride closes everything when the emergency breaker is
// forced active.
func (t *Tracker) handleRiskOverride(data any) {
	override, ok := data.(bus.RiskOverride)
	if !ok {
		return
	}
	if override.Breaker == "emergency" && override.NewState {
		t.CloseAll(ReasonEmergencyStop)
	}
}

// openFromSignal opens a position for an executed signal, respecting the
// open-position ceiling.
func (t *Tracker) openFromSignal(signal *model.StrategicSignal) {
	entry := signal.ExecutionPrice
	if entry == 0 {
		entry = signal.EntryPrice
	}

	t.mu.Lock()
	if len(t.open) >= t.cfg.MaxOpen {
		t.mu.Unlock()
		t.logger.Warn("position_ceiling_reached",
			zap.String("signal_id", signal.ID),
			zap.Int("max_open", t.cfg.MaxOpen),
		)
		return
	}
	for _, pos := range t.open {
		if pos.SignalID == signal.ID {
			t.mu.Unlock()
			return
		}
	}

	pos := &model.Position{
		ID:         uuid.NewString(),
		SignalID:   signal.ID,
		Symbol:     signal.Symbol,
		Direction:  signal.Direction,
		EntryPrice: entry,
		EntryTime:  t.now(),
		Size:       t.sizeFor(signal),
		StopLoss:   signal.StopLoss,
		Targets:    append([]float64(nil), signal.Targets...),
		Status:     model.PositionOpen,
	}
	pos.UpdatePrice(entry, t.cfg.PointValue)
	t.open[pos.ID] = pos
	t.stats.Opened++
	t.mu.Unlock()

	t.logger.Info("position_opened",
		zap.String("position_id", pos.ID),
		zap.String("signal_id", signal.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("direction", string(pos.Direction)),
		zap.Float64("entry", entry),
		zap.Int("size", pos.Size),
	)
	t.eventBus.Publish(bus.TopicPositionOpened, bus.PositionOpened{
		Position: pos,
		Signal:   signal,
	})
}

// sizeFor scales the default size by confidence and setup kind.
func (t *Tracker) sizeFor(signal *model.StrategicSignal) int {
	size := float64(t.cfg.DefaultSize)
	if signal.Confidence > 0.8 {
		size *= 1.5
	} else if signal.Confidence < 0.6 {
		size *= 0.7
	}
	switch signal.SetupType {
	case model.SetupReversalViolent:
		size *= 0.8
	case model.SetupBreakoutIgnition:
		size *= 1.2
	}
	if factor, ok := signal.SetupDetails["size_factor"].(float64); ok && factor > 0 {
		size *= factor
	}
	if size < 1 {
		return 1
	}
	return int(size)
}

// trailStopLocked ratchets the stop behind a winning position. The stop
// only ever moves in the protective direction. Caller holds mu.
func (t *Tracker) trailStopLocked(pos *model.Position, price float64) {
	if !t.cfg.TrailingStopEnabled {
		return
	}
	distance := t.cfg.TrailingStopDistance
	if pos.PnLPoints <= distance {
		return
	}
	if pos.Direction == model.SideBuy {
		if newStop := price - distance; newStop > pos.StopLoss {
			pos.StopLoss = newStop
		}
	} else {
		if newStop := price + distance; newStop < pos.StopLoss {
			pos.StopLoss = newStop
		}
	}
}

// tightenStopLocked moves the stop toward entry by factor. Caller holds mu.
func (t *Tracker) tightenStopLocked(pos *model.Position, factor float64) {
	if pos.Direction == model.SideBuy {
		tightened := pos.EntryPrice - (pos.EntryPrice-pos.StopLoss)*factor
		if tightened > pos.StopLoss {
			pos.StopLoss = tightened
		}
	} else {
		tightened := pos.EntryPrice + (pos.StopLoss-pos.EntryPrice)*factor
		if tightened < pos.StopLoss {
			pos.StopLoss = tightened
		}
	}
}

type closeEvent struct {
	position *model.Position
	reason   string
}

// closeLocked finalizes one position and moves it to history. Caller
// holds mu; the returned event must be published after unlock.
func (t *Tracker) closeLocked(pos *model.Position, exitPrice float64, reason string) closeEvent {
	pos.UpdatePrice(exitPrice, t.cfg.PointValue)
	pos.ExitPrice = exitPrice
	pos.ExitTime = t.now()
	pos.ExitReason = reason
	if reason == ReasonStopLoss {
		pos.Status = model.PositionStopped
	} else {
		pos.Status = model.PositionClosed
	}

	delete(t.open, pos.ID)
	t.closed = append(t.closed, pos)
	if len(t.closed) > closedHistorySize {
		t.closed = t.closed[len(t.closed)-closedHistorySize:]
	}

	t.stats.Closed++
	t.stats.TotalPnL += pos.PnL
	if pos.PnL >= 0 {
		t.stats.Wins++
	} else {
		t.stats.Losses++
	}
	if reason == ReasonStopLoss {
		t.stats.Stopped++
	}
	if strings.HasPrefix(reason, "TARGET") {
		t.stats.TargetsHit++
	}

	return closeEvent{position: pos, reason: reason}
}

// publishCloses emits the close events outside the lock.
func (t *Tracker) publishCloses(events []closeEvent) {
	for _, ev := range events {
		pos := ev.position
		t.logger.Info("position_closed",
			zap.String("position_id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("reason", ev.reason),
			zap.Float64("pnl", pos.PnL),
		)
		t.eventBus.Publish(bus.TopicPositionClosed, bus.PositionClosed{
			Position: pos,
			Reason:   ev.reason,
			PnL:      pos.PnL,
		})
		t.eventBus.Publish(bus.TopicTradeClosed, bus.TradeClosed{
			SignalID: pos.SignalID,
			Symbol:   pos.Symbol,
			PnL:      pos.PnL,
		})
	}
}

// closeBySignal closes the open position tied to a signal ID.
func (t *Tracker) closeBySignal(signalID string, exitPrice float64, reason string) {
	t.mu.Lock()
	var events []closeEvent
	for _, pos := range t.open {
		if pos.SignalID != signalID {
			continue
		}
		price := exitPrice
		if price == 0 {
			price = pos.CurrentPrice
		}
		events = append(events, t.closeLocked(pos, price, reason))
		break
	}
	t.mu.Unlock()

	t.publishCloses(events)
}

// CloseAll closes every open position at its current price.
func (t *Tracker) CloseAll(reason string) int {
	t.mu.Lock()
	var events []closeEvent
	for _, pos := range t.open {
		events = append(events, t.closeLocked(pos, pos.CurrentPrice, reason))
	}
	t.mu.Unlock()

	t.publishCloses(events)
	return len(events)
}

// OpenPositions returns copies of all open positions.
func (t *Tracker) OpenPositions() []model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Position, 0, len(t.open))
	for _, pos := range t.open {
		out = append(out, *pos)
	}
	return out
}

// PositionBySignal returns a copy of the open position for a signal ID.
func (t *Tracker) PositionBySignal(signalID string) (model.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range t.open {
		if pos.SignalID == signalID {
			return *pos, true
		}
	}
	return model.Position{}, false
}

// Statistics returns a snapshot of realized counters.
func (t *Tracker) Statistics() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// DailySummary rolls open and realized results into one view.
func (t *Tracker) DailySummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	openPnL := 0.0
	for _, pos := range t.open {
		openPnL += pos.PnL
	}
	winRate := 0.0
	if t.stats.Closed > 0 {
		winRate = float64(t.stats.Wins) / float64(t.stats.Closed)
	}
	return Summary{
		OpenPositions: len(t.open),
		OpenPnL:       openPnL,
		RealizedPnL:   t.stats.TotalPnL,
		Wins:          t.stats.Wins,
		Losses:        t.stats.Losses,
		WinRate:       winRate,
	}
}

// SetNow overrides the clock source, used by tests.
func (t *Tracker) SetNow(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

func targetReason(idx int) string {
	switch idx {
	case 0:
		return "TARGET_1"
	case 1:
		return "TARGET_2"
	default:
		return "TARGET_3"
	}
}
