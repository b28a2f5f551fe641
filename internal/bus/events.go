package bus

import (
	"time"

	"tapeflow/internal/model"
)

// Topic keys an event stream on the bus.
type Topic string

const (
	TopicSignalCreated      Topic = "STRATEGIC_SIGNAL_CREATED"
	TopicSignalStateChanged Topic = "STRATEGIC_SIGNAL_STATE_CHANGED"
	TopicSignalExpired      Topic = "STRATEGIC_SIGNAL_EXPIRED"
	TopicSignalGenerated    Topic = "SIGNAL_GENERATED"
	TopicSignalApproved     Topic = "SIGNAL_APPROVED"
	TopicSignalRejected     Topic = "SIGNAL_REJECTED"
	TopicPositionOpened     Topic = "POSITION_OPENED"
	TopicPositionClosed     Topic = "POSITION_CLOSED"
	TopicTradeClosed        Topic = "TRADE_CLOSED"
	TopicRiskOverride       Topic = "RISK_OVERRIDE"
	TopicMarketDataUpdated  Topic = "MARKET_DATA_UPDATED"
	TopicDivergenceWarning  Topic = "DIVERGENCE_WARNING"
	TopicManipulation       Topic = "MANIPULATION_DETECTED"
	TopicDailyReset         Topic = "DAILY_RESET"
)

// SignalCreated announces a new strategic signal entering the lifecycle.
type SignalCreated struct {
	Signal         *model.StrategicSignal
	TimeoutSeconds int
}

// SignalStateChanged announces a lifecycle transition.
type SignalStateChanged struct {
	SignalID string
	OldState model.SignalState
	NewState model.SignalState
	Signal   *model.StrategicSignal
}

// SignalExpired announces a forced expiry with its reason.
type SignalExpired struct {
	Signal *model.StrategicSignal
	Reason string
}

// SignalAssessment pairs a display signal with its risk assessment,
// published on both the approved and rejected topics.
type SignalAssessment struct {
	Signal     model.Signal
	Assessment model.RiskAssessment
}

// PositionOpened announces a newly opened position.
type PositionOpened struct {
	Position *model.Position
	Signal   *model.StrategicSignal
}

// PositionClosed announces a closed position and its realized P&L.
type PositionClosed struct {
	Position *model.Position
	Reason   string
	PnL      float64
}

// TradeClosed carries the realized P&L of a closed trade.
type TradeClosed struct {
	SignalID string
	Symbol   string
	PnL      float64
}

// RiskOverride announces a manual circuit-breaker override.
type RiskOverride struct {
	Breaker  string
	OldState bool
	NewState bool
	Reason   string
	Time     time.Time
}

// MarketDataUpdated carries one polling-cycle snapshot.
type MarketDataUpdated struct {
	Snapshot *model.MarketSnapshot
}

// DivergenceBias names the market direction a divergence points to.
type DivergenceBias string

const (
	DivergenceBullish DivergenceBias = "BULLISH"
	DivergenceBearish DivergenceBias = "BEARISH"
)

// DivergenceWarning flags a flow/price divergence against open exposure.
type DivergenceWarning struct {
	Symbol string
	Bias   DivergenceBias
	Detail string
}

// ManipulationDetected flags suspected visible-book manipulation.
type ManipulationDetected struct {
	Symbol   string
	Warnings []string
}

// DailyReset announces the daily risk-metric reset.
type DailyReset struct {
	Timestamp time.Time
}
