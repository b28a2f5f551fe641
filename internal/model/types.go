// Package model defines shared data types used across all TAPEFLOW modules.
package model

import "time"

// Side represents a trading direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other trading direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SetupType is the enumerated category of a strategic trade idea.
type SetupType string

const (
	SetupReversalSlow      SetupType = "REVERSAL_SLOW"      // absorption + flow inversion
	SetupReversalViolent   SetupType = "REVERSAL_VIOLENT"   // spike + momentum flip
	SetupBreakoutIgnition  SetupType = "BREAKOUT_IGNITION"  // breakout ignition
	SetupPullbackRejection SetupType = "PULLBACK_REJECTION" // pullback rejection
	SetupDivergence        SetupType = "DIVERGENCE_SETUP"   // flow/price divergence
)

// SignalState is a lifecycle state of a strategic signal.
type SignalState string

const (
	StatePending   SignalState = "PENDING"    // awaiting confirmation
	StateActive    SignalState = "ACTIVE"     // tradeable
	StateExecuted  SignalState = "EXECUTED"   // entry filled
	StateExpired   SignalState = "EXPIRED"    // timed out without execution
	StateStopped   SignalState = "STOPPED"    // stop loss hit
	StateTargetHit SignalState = "TARGET_HIT" // target reached
)

// IsTerminal reports whether the state accepts no further transitions.
func (s SignalState) IsTerminal() bool {
	switch s {
	case StateExpired, StateStopped, StateTargetHit:
		return true
	default:
		return false
	}
}

// ConflictStatus classifies agreement between the two instruments.
type ConflictStatus string

const (
	NoConflict    ConflictStatus = "NO_CONFLICT"
	MinorConflict ConflictStatus = "MINOR_CONFLICT"
	MajorConflict ConflictStatus = "MAJOR_CONFLICT"
)

// EntryType is how the entry order should be worked.
type EntryType string

const (
	EntryMarket   EntryType = "MARKET"
	EntryLimit    EntryType = "LIMIT"
	EntryStop     EntryType = "STOP"
	EntryAdaptive EntryType = "ADAPTIVE"
)

// RiskLevel grades the current risk posture.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// SignalQuality rates an evaluated signal.
type SignalQuality string

const (
	QualityPoor      SignalQuality = "POOR"
	QualityFair      SignalQuality = "FAIR"
	QualityGood      SignalQuality = "GOOD"
	QualityExcellent SignalQuality = "EXCELLENT"
)

// SignalSource identifies what produced a display signal.
type SignalSource string

const (
	SourceConfluence  SignalSource = "CONFLUENCE"
	SourceArbitrage   SignalSource = "ARBITRAGE"
	SourceTapeReading SignalSource = "TAPE_READING"
	SourceStrategic   SignalSource = "STRATEGIC"
	SourceDivergence  SignalSource = "DIVERGENCE_WARNING"
)

// SignalLevel is the display severity of a signal.
type SignalLevel string

const (
	LevelInfo    SignalLevel = "INFO"
	LevelWarning SignalLevel = "WARNING"
	LevelAlert   SignalLevel = "ALERT"
)

// StrategicSignal is a proposed trade idea owned by the lifecycle manager
// from creation until it reaches a terminal state.
type StrategicSignal struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`

	SetupType SetupType   `json:"setupType"`
	Direction Side        `json:"direction"`
	State     SignalState `json:"state"`

	EntryPrice float64   `json:"entryPrice"`
	EntryType  EntryType `json:"entryType"`
	StopLoss   float64   `json:"stopLoss"`
	Targets    []float64 `json:"targets"`

	Confidence float64 `json:"confidence"` // 0..1
	RiskReward float64 `json:"riskReward"`

	ConflictStatus    ConflictStatus `json:"conflictStatus"`
	ConfluenceFactors []string       `json:"confluenceFactors"`

	ExpirationTime time.Time `json:"expirationTime"`
	TimeToExpiry   int       `json:"timeToExpirySeconds"`

	SetupDetails map[string]any `json:"setupDetails,omitempty"`
	CreatedBy    string         `json:"createdBy"`

	ExecutionPrice float64   `json:"executionPrice,omitempty"`
	ExecutionTime  time.Time `json:"executionTime,omitempty"`
	ExitPrice      float64   `json:"exitPrice,omitempty"`
	ExitTime       time.Time `json:"exitTime,omitempty"`
	PnL            float64   `json:"pnl,omitempty"`
}

// IsExpired reports whether the signal's expiration has passed.
func (s *StrategicSignal) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpirationTime)
}

// RiskPoints is the entry-to-stop distance in the losing direction.
func (s *StrategicSignal) RiskPoints() float64 {
	if s.Direction == SideBuy {
		return s.EntryPrice - s.StopLoss
	}
	return s.StopLoss - s.EntryPrice
}

// RewardPoints is the entry-to-target distance for the given target index.
func (s *StrategicSignal) RewardPoints(target int) float64 {
	if target < 0 || target >= len(s.Targets) {
		return 0
	}
	if s.Direction == SideBuy {
		return s.Targets[target] - s.EntryPrice
	}
	return s.EntryPrice - s.Targets[target]
}

// PositionStatus is the lifecycle status of a tracked position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
	PositionStopped PositionStatus = "STOPPED"
)

// Position is the tracked consequence of an executed strategic signal.
type Position struct {
	ID         string    `json:"id"`
	SignalID   string    `json:"signalId"`
	Symbol     string    `json:"symbol"`
	Direction  Side      `json:"direction"`
	EntryPrice float64   `json:"entryPrice"`
	EntryTime  time.Time `json:"entryTime"`
	Size       int       `json:"size"`
	StopLoss   float64   `json:"stopLoss"`
	Targets    []float64 `json:"targets"`

	CurrentPrice float64 `json:"currentPrice"`
	PnL          float64 `json:"pnl"`
	PnLPoints    float64 `json:"pnlPoints"`

	Status     PositionStatus `json:"status"`
	ExitPrice  float64        `json:"exitPrice,omitempty"`
	ExitTime   time.Time      `json:"exitTime,omitempty"`
	ExitReason string         `json:"exitReason,omitempty"`

	MaxProfit float64  `json:"maxProfit"` // max favorable excursion (currency)
	MaxLoss   float64  `json:"maxLoss"`   // max adverse excursion (currency)
	Warnings  []string `json:"warnings,omitempty"`
}

// UpdatePrice refreshes current price, running P&L and excursions.
// pointValue converts points to currency per contract.
func (p *Position) UpdatePrice(price, pointValue float64) {
	p.CurrentPrice = price
	if p.Direction == SideBuy {
		p.PnLPoints = price - p.EntryPrice
	} else {
		p.PnLPoints = p.EntryPrice - price
	}
	p.PnL = p.PnLPoints * float64(p.Size) * pointValue
	if p.PnL > p.MaxProfit {
		p.MaxProfit = p.PnL
	}
	if p.PnL < p.MaxLoss {
		p.MaxLoss = p.PnL
	}
}

// ShouldStop reports whether the current price has breached the stop.
func (p *Position) ShouldStop() bool {
	if p.Direction == SideBuy {
		return p.CurrentPrice <= p.StopLoss
	}
	return p.CurrentPrice >= p.StopLoss
}

// CheckTargets returns the index of the first breached target, in list order.
func (p *Position) CheckTargets() (int, bool) {
	for i, target := range p.Targets {
		if p.Direction == SideBuy {
			if p.CurrentPrice >= target {
				return i, true
			}
		} else if p.CurrentPrice <= target {
			return i, true
		}
	}
	return 0, false
}

// Signal is a display/evaluation signal routed through the risk governor.
type Signal struct {
	Source  SignalSource   `json:"source"`
	Level   SignalLevel    `json:"level"`
	Symbol  string         `json:"symbol"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Time    time.Time      `json:"time"`
}

// RiskAssessment is the structured outcome of a risk evaluation.
type RiskAssessment struct {
	Approved        bool          `json:"approved"`
	RiskLevel       RiskLevel     `json:"riskLevel"`
	Quality         SignalQuality `json:"quality"`
	QualityScore    float64       `json:"qualityScore"`
	Reasons         []string      `json:"reasons,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Trade is a single executed market trade.
type Trade struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Side   Side      `json:"side"`
	Time   time.Time `json:"time"`
}

// BookLevel is a single price level of an order book.
type BookLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// OrderBook is a bid/ask snapshot for one symbol.
type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	Time   time.Time   `json:"time"`
}

// TopVolume sums the volume of at most n levels.
func TopVolume(levels []BookLevel, n int) float64 {
	if len(levels) < n {
		n = len(levels)
	}
	total := 0.0
	for _, lvl := range levels[:n] {
		total += lvl.Volume
	}
	return total
}

// SymbolData is the per-symbol slice of a market snapshot.
type SymbolData struct {
	Symbol      string    `json:"symbol"`
	Trades      []Trade   `json:"trades"`
	Book        OrderBook `json:"book"`
	LastPrice   float64   `json:"lastPrice"`
	TotalVolume float64   `json:"totalVolume"`
}

// MarketSnapshot is one immutable polling-cycle view of the market.
type MarketSnapshot struct {
	Data map[string]*SymbolData `json:"data"`
	Time time.Time              `json:"time"`
}

// MarketRegime classifies the prevailing market behavior.
type MarketRegime string

const (
	RegimeTrendingUp   MarketRegime = "TRENDING_UP"
	RegimeTrendingDown MarketRegime = "TRENDING_DOWN"
	RegimeRanging      MarketRegime = "RANGING"
	RegimeVolatile     MarketRegime = "VOLATILE"
)

// VolatilityLevel buckets realized volatility.
type VolatilityLevel string

const (
	VolatilityLow     VolatilityLevel = "LOW"
	VolatilityNormal  VolatilityLevel = "NORMAL"
	VolatilityHigh    VolatilityLevel = "HIGH"
	VolatilityExtreme VolatilityLevel = "EXTREME"
)

// LiquidityLevel buckets visible book depth.
type LiquidityLevel string

const (
	LiquidityThin   LiquidityLevel = "THIN"
	LiquidityNormal LiquidityLevel = "NORMAL"
	LiquidityDeep   LiquidityLevel = "DEEP"
)

// RegimeSummary is the context snapshot consumed by signal filters.
type RegimeSummary struct {
	Regime     MarketRegime    `json:"regime"`
	Confidence float64         `json:"confidence"`
	Volatility VolatilityLevel `json:"volatility"`
	Liquidity  LiquidityLevel  `json:"liquidity"`
}
