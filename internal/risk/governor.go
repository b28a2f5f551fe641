// Package risk gates signal flow through circuit breakers, frequency
// caps, quality scoring and contextual risk, and tracks daily loss
// metrics from closed trades.
package risk

import (
	"fmt"
	"sync"
	"time"

	"tapeflow/internal/bus"
	"tapeflow/internal/config"
	"tapeflow/internal/model"

	"go.uber.org/zap"
)

// Breaker names for the circuit-breaker map.
const (
	BreakerFrequency         = "frequency"
	BreakerQuality           = "quality"
	BreakerDrawdown          = "drawdown"
	BreakerConsecutiveLosses = "consecutive_losses"
	BreakerEmergency         = "emergency"
)

// qualityPatterns are tape patterns that carry full pattern weight.
var qualityPatterns = map[string]bool{
	"ESCORA_DETECTADA":  true,
	"DIVERGENCIA_ALTA":  true,
	"DIVERGENCIA_BAIXA": true,
	"ICEBERG":           true,
}

// Status is a summary of the governor's current posture.
type Status struct {
	RiskLevel         model.RiskLevel `json:"riskLevel"`
	DailyPnL          float64         `json:"dailyPnl"`
	PeakPnL           float64         `json:"peakPnl"`
	DrawdownPercent   float64         `json:"drawdownPercent"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	Breakers          map[string]bool `json:"breakers"`
	SignalsLastHour   int             `json:"signalsLastHour"`
	SignalsLastMinute int             `json:"signalsLastMinute"`
	Approved          int             `json:"approved"`
	Rejected          int             `json:"rejected"`
}

// Governor evaluates display signals before they are acted on. All
// checks run in a fixed order: circuit breakers, frequency caps,
// quality score, contextual risk.
type Governor struct {
	eventBus *bus.Bus
	cfg      config.RiskConfig
	logger   *zap.Logger

	mu                sync.Mutex
	breakers          map[string]bool
	dailyPnL          float64
	peakPnL           float64
	drawdownPercent   float64
	consecutiveLosses int
	approvedAll       []time.Time
	approvedBySource  map[model.SignalSource][]time.Time
	history           []model.RiskAssessment
	approvedCount     int
	rejectedCount     int

	now func() time.Time
}

// NewGovernor creates the risk governor and subscribes it to generated
// signals and trade closes.
func NewGovernor(eventBus *bus.Bus, cfg config.RiskConfig, logger *zap.Logger) *Governor {
	g := &Governor{
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
		breakers: map[string]bool{
			BreakerFrequency:         false,
			BreakerQuality:           false,
			BreakerDrawdown:          false,
			BreakerConsecutiveLosses: false,
			BreakerEmergency:         false,
		},
		approvedBySource: make(map[model.SignalSource][]time.Time),
		now:              time.Now,
	}

	eventBus.Subscribe(bus.TopicSignalGenerated, g.handleSignalGenerated)
	eventBus.Subscribe(bus.TopicTradeClosed, g.handleTradeClosed)

	return g
}

// Evaluate runs the full admission sequence on one signal. The returned
// assessment carries the rejection reasons when approved is false.
func (g *Governor) Evaluate(signal model.Signal) (bool, model.RiskAssessment) {
	g.mu.Lock()

	assessment := model.RiskAssessment{Timestamp: g.now()}

	if name, tripped := g.trippedBreakerLocked(); tripped {
		assessment.Approved = false
		assessment.RiskLevel = model.RiskCritical
		assessment.Reasons = []string{"circuit breaker active: " + name}
		g.finishLocked(&assessment)
		g.mu.Unlock()
		g.publishVerdict(signal, assessment)
		return false, assessment
	}

	if reason, blocked := g.frequencyBlockedLocked(signal.Source); blocked {
		assessment.Approved = false
		assessment.RiskLevel = model.RiskHigh
		assessment.Reasons = []string{reason}
		g.finishLocked(&assessment)
		g.mu.Unlock()
		g.publishVerdict(signal, assessment)
		return false, assessment
	}

	score := qualityScore(signal)
	assessment.QualityScore = score
	assessment.Quality = qualityRating(score)
	if score < g.cfg.QualityThreshold {
		assessment.Approved = false
		assessment.RiskLevel = model.RiskMedium
		assessment.Reasons = []string{
			fmt.Sprintf("quality score %.2f below threshold %.2f", score, g.cfg.QualityThreshold),
		}
		g.finishLocked(&assessment)
		g.mu.Unlock()
		g.publishVerdict(signal, assessment)
		return false, assessment
	}

	risk, factors := g.contextualRiskLocked(signal)
	assessment.RiskLevel = risk
	if risk == model.RiskHigh || risk == model.RiskCritical {
		assessment.Approved = false
		assessment.Reasons = append([]string{"contextual risk too high"}, factors...)
		g.finishLocked(&assessment)
		g.mu.Unlock()
		g.publishVerdict(signal, assessment)
		return false, assessment
	}

	assessment.Approved = true
	if risk == model.RiskMedium {
		assessment.Recommendations = append(assessment.Recommendations,
			"reduce position size", "prefer limit entries")
	}
	if assessment.Quality == model.QualityFair {
		assessment.Recommendations = append(assessment.Recommendations,
			"wait for additional confirmation")
	}
	now := g.now()
	g.approvedAll = append(g.approvedAll, now)
	g.approvedBySource[signal.Source] = append(g.approvedBySource[signal.Source], now)
	g.finishLocked(&assessment)
	g.mu.Unlock()

	g.publishVerdict(signal, assessment)
	return true, assessment
}

// finishLocked records the assessment and bumps counters. Caller holds mu.
func (g *Governor) finishLocked(assessment *model.RiskAssessment) {
	if assessment.Approved {
		g.approvedCount++
	} else {
		g.rejectedCount++
	}
	g.history = append(g.history, *assessment)
	if len(g.history) > 500 {
		g.history = g.history[len(g.history)-500:]
	}
}

func (g *Governor) publishVerdict(signal model.Signal, assessment model.RiskAssessment) {
	payload := bus.SignalAssessment{Signal: signal, Assessment: assessment}
	if assessment.Approved {
		g.eventBus.Publish(bus.TopicSignalApproved, payload)
		return
	}
	g.logger.Info("signal_rejected",
		zap.String("symbol", signal.Symbol),
		zap.String("source", string(signal.Source)),
		zap.String("risk_level", string(assessment.RiskLevel)),
		zap.Strings("reasons", assessment.Reasons),
	)
	g.eventBus.Publish(bus.TopicSignalRejected, payload)
}

// trippedBreakerLocked returns the first active breaker. Caller holds mu.
func (g *Governor) trippedBreakerLocked() (string, bool) {
	for _, name := range []string{
		BreakerEmergency, BreakerDrawdown, BreakerConsecutiveLosses,
		BreakerFrequency, BreakerQuality,
	} {
		if g.breakers[name] {
			return name, true
		}
	}
	return "", false
}

// frequencyBlockedLocked enforces per-minute, per-hour and per-source
// caps over the approved-signal timestamp windows. Caller holds mu.
func (g *Governor) frequencyBlockedLocked(source model.SignalSource) (string, bool) {
	now := g.now()
	minute := countSince(g.approvedAll, now.Add(-time.Minute))
	if minute >= g.cfg.MaxSignalsPerMinute {
		return fmt.Sprintf("signal frequency %d/min at cap", minute), true
	}
	hour := countSince(g.approvedAll, now.Add(-time.Hour))
	if hour >= g.cfg.MaxSignalsPerHour {
		return fmt.Sprintf("signal frequency %d/h at cap", hour), true
	}
	if source == model.SourceConfluence {
		confluence := countSince(g.approvedBySource[source], now.Add(-time.Hour))
		if confluence >= g.cfg.MaxConfluencePerHour {
			return fmt.Sprintf("confluence frequency %d/h at cap", confluence), true
		}
	}
	return "", false
}

// qualityScore grades a signal 0..1 from its source, level and details.
func qualityScore(signal model.Signal) float64 {
	score := 0.0

	switch signal.Source {
	case model.SourceConfluence:
		score += 1.5
	case model.SourceArbitrage:
		score += 1.2
	case model.SourceTapeReading:
		score += 0.8
	default:
		score += 0.4
	}

	switch signal.Level {
	case model.LevelAlert:
		score += 0.8
	case model.LevelWarning:
		score += 0.5
	default:
		score += 0.2
	}

	if signal.Details != nil {
		if profit, ok := detailFloat(signal.Details, "profit_reais", "profit"); ok {
			switch {
			case profit >= 50:
				score += 0.8
			case profit >= 20:
				score += 0.5
			default:
				score += 0.2
			}
		}
		if confirmations, ok := signal.Details["confirmations"].([]string); ok {
			switch {
			case len(confirmations) >= 3:
				score += 0.7
			case len(confirmations) >= 2:
				score += 0.5
			default:
				score += 0.2
			}
		}
		if pattern, ok := signal.Details["original_pattern"].(string); ok && pattern != "" {
			if qualityPatterns[pattern] {
				score += 0.8
			} else {
				score += 0.4
			}
		}
	}

	return score / 4.6
}

func qualityRating(score float64) model.SignalQuality {
	switch {
	case score >= 0.8:
		return model.QualityExcellent
	case score >= 0.6:
		return model.QualityGood
	case score >= 0.4:
		return model.QualityFair
	default:
		return model.QualityPoor
	}
}

// contextualRiskLocked scores ambient risk factors. Caller holds mu.
func (g *Governor) contextualRiskLocked(signal model.Signal) (model.RiskLevel, []string) {
	points := 0
	var factors []string

	switch g.riskLevelLocked() {
	case model.RiskCritical:
		points += 3
		factors = append(factors, "risk level already critical")
	case model.RiskHigh:
		points += 2
		factors = append(factors, "risk level already high")
	case model.RiskMedium:
		points++
		factors = append(factors, "risk level already elevated")
	}

	if g.drawdownPercent >= 0.7*g.cfg.MaxDrawdownPercent {
		points += 2
		factors = append(factors, "drawdown approaching limit")
	}
	if g.consecutiveLosses >= int(0.7*float64(g.cfg.ConsecutiveLossLimit)) && g.consecutiveLosses > 0 {
		points += 2
		factors = append(factors, "loss streak approaching limit")
	}

	hour := g.now().Hour()
	if hour < 10 || hour > 16 {
		points++
		factors = append(factors, "off-peak session")
	}

	if signal.Details != nil {
		if roc, ok := detailFloat(signal.Details, "cvd_roc"); ok && (roc > 150 || roc < -150) {
			points++
			factors = append(factors, "extreme flow rate of change")
		}
	}

	switch {
	case points >= 4:
		return model.RiskCritical, factors
	case points >= 3:
		return model.RiskHigh, factors
	case points >= 2:
		return model.RiskMedium, factors
	default:
		return model.RiskLow, factors
	}
}

// CurrentRiskLevel computes the posture on demand from live metrics.
func (g *Governor) CurrentRiskLevel() model.RiskLevel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.riskLevelLocked()
}

func (g *Governor) riskLevelLocked() model.RiskLevel {
	if g.breakers[BreakerEmergency] || g.breakers[BreakerConsecutiveLosses] || g.breakers[BreakerDrawdown] {
		return model.RiskCritical
	}

	lossLimit := float64(g.cfg.ConsecutiveLossLimit)
	switch {
	case g.consecutiveLosses >= g.cfg.ConsecutiveLossLimit:
		return model.RiskCritical
	case float64(g.consecutiveLosses) >= 0.6*lossLimit:
		return model.RiskHigh
	case float64(g.consecutiveLosses) >= 0.3*lossLimit:
		return model.RiskMedium
	}

	switch {
	case g.drawdownPercent >= g.cfg.MaxDrawdownPercent:
		return model.RiskCritical
	case g.drawdownPercent >= 0.7*g.cfg.MaxDrawdownPercent:
		return model.RiskHigh
	case g.drawdownPercent >= 0.4*g.cfg.MaxDrawdownPercent:
		return model.RiskMedium
	}

	switch {
	case g.dailyPnL <= -g.cfg.EmergencyStopLoss:
		return model.RiskCritical
	case g.dailyPnL <= -0.5*g.cfg.EmergencyStopLoss:
		return model.RiskHigh
	case g.dailyPnL <= -0.2*g.cfg.EmergencyStopLoss:
		return model.RiskMedium
	}

	return model.RiskLow
}

// handleSignalGenerated auto-evaluates every generated signal.
func (g *Governor) handleSignalGenerated(data any) {
	signal, ok := data.(model.Signal)
	if !ok {
		return
	}
	g.Evaluate(signal)
}

// handleTradeClosed folds a realized P&L into the daily metrics and
// updates the loss-driven breakers.
func (g *Governor) handleTradeClosed(data any) {
	trade, ok := data.(bus.TradeClosed)
	if !ok {
		return
	}

	g.mu.Lock()
	g.dailyPnL += trade.PnL
	if g.dailyPnL > g.peakPnL {
		g.peakPnL = g.dailyPnL
	}
	if g.peakPnL > 0 {
		g.drawdownPercent = (g.peakPnL - g.dailyPnL) / g.peakPnL * 100
	} else {
		g.drawdownPercent = 0
	}
	if trade.PnL < 0 {
		g.consecutiveLosses++
	} else {
		g.consecutiveLosses = 0
	}

	tripped := g.updateBreakersLocked()
	dailyPnL := g.dailyPnL
	g.mu.Unlock()

	for _, name := range tripped {
		g.logger.Warn("circuit_breaker_tripped",
			zap.String("breaker", name),
			zap.Float64("daily_pnl", dailyPnL),
		)
	}
}

// updateBreakersLocked recomputes loss-driven breakers and returns any
// newly tripped names. Caller holds mu.
func (g *Governor) updateBreakersLocked() []string {
	var tripped []string

	set := func(name string, active bool) {
		if active && !g.breakers[name] {
			tripped = append(tripped, name)
		}
		if active {
			g.breakers[name] = true
		}
	}

	set(BreakerConsecutiveLosses, g.consecutiveLosses >= g.cfg.ConsecutiveLossLimit)
	set(BreakerDrawdown, g.drawdownPercent >= g.cfg.MaxDrawdownPercent)
	set(BreakerEmergency, g.dailyPnL <= -g.cfg.EmergencyStopLoss)

	return tripped
}

// ManualOverride forces a breaker state and announces the change.
func (g *Governor) ManualOverride(breaker string, active bool, reason string) error {
	g.mu.Lock()
	old, ok := g.breakers[breaker]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown breaker %q", breaker)
	}
	g.breakers[breaker] = active
	now := g.now()
	g.mu.Unlock()

	g.logger.Warn("risk_override",
		zap.String("breaker", breaker),
		zap.Bool("active", active),
		zap.String("reason", reason),
	)
	g.eventBus.Publish(bus.TopicRiskOverride, bus.RiskOverride{
		Breaker:  breaker,
		OldState: old,
		NewState: active,
		Reason:   reason,
		Time:     now,
	})
	return nil
}

// ResetDaily zeroes the session P&L metrics at the day boundary. The
// loss streak carries across days; only the emergency breaker is
// cleared, loss and drawdown breakers stay until overridden.
func (g *Governor) ResetDaily() {
	g.mu.Lock()
	g.dailyPnL = 0
	g.peakPnL = 0
	g.drawdownPercent = 0
	g.breakers[BreakerEmergency] = false

	now := g.now()
	cutoff := now.Add(-24 * time.Hour)
	g.approvedAll = trimBefore(g.approvedAll, cutoff)
	for source, stamps := range g.approvedBySource {
		g.approvedBySource[source] = trimBefore(stamps, cutoff)
	}
	g.mu.Unlock()

	g.logger.Info("daily_risk_reset")
	g.eventBus.Publish(bus.TopicDailyReset, bus.DailyReset{Timestamp: now})
}

// RiskStatus returns a snapshot of the governor state.
func (g *Governor) RiskStatus() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	breakers := make(map[string]bool, len(g.breakers))
	for name, active := range g.breakers {
		breakers[name] = active
	}
	now := g.now()
	return Status{
		RiskLevel:         g.riskLevelLocked(),
		DailyPnL:          g.dailyPnL,
		PeakPnL:           g.peakPnL,
		DrawdownPercent:   g.drawdownPercent,
		ConsecutiveLosses: g.consecutiveLosses,
		Breakers:          breakers,
		SignalsLastHour:   countSince(g.approvedAll, now.Add(-time.Hour)),
		SignalsLastMinute: countSince(g.approvedAll, now.Add(-time.Minute)),
		Approved:          g.approvedCount,
		Rejected:          g.rejectedCount,
	}
}

// History returns recent assessments, most recent last.
func (g *Governor) History(n int) []model.RiskAssessment {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 || n > len(g.history) {
		n = len(g.history)
	}
	out := make([]model.RiskAssessment, n)
	copy(out, g.history[len(g.history)-n:])
	return out
}

// SetNow overrides the clock source, used by tests.
func (g *Governor) SetNow(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func countSince(stamps []time.Time, cutoff time.Time) int {
	count := 0
	for _, t := range stamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	out := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func detailFloat(details map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := details[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	}
	return 0, false
}
